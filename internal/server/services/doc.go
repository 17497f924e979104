// Package services contains the settings server's business logic: the
// conditional write path, device lifecycle and settings export.
package services
