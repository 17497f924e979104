// Package models defines the records shared by the sync engine and the
// settings server: the synchronized UserSettings record, registered devices,
// pending queue items and conflict records.
//
// Setting values are heterogeneous (booleans, enums, nested objects). They are
// always kept in their JSON-compatible normal form (see NormalizeValue) so that
// values read back from any store compare equal to the values that were written.
package models
