package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/filex"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/netx"
)

var errUsage = errors.New("wrong arguments, type 'help'")

func (a *App) Get(ctx context.Context, args []string) error {
	s, err := a.sync.GetSettings(ctx, a.userID)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		v, ok := s.Fields[args[0]]
		if !ok {
			fmt.Fprintf(a.out, "%s is not set\n", args[0])
			return nil
		}
		fmt.Fprintln(a.out, formatValue(v))
		return nil
	}
	if len(args) > 1 {
		return errUsage
	}

	fmt.Fprintf(a.out, "version %d\n", s.Version)
	for _, k := range s.Fields.Keys() {
		fmt.Fprintf(a.out, "  %s = %s\n", k, formatValue(s.Fields[k]))
	}
	return nil
}

func (a *App) Set(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	patch, err := parseAssignments(args)
	if err != nil {
		return err
	}
	item, err := a.sync.UpdateSettings(ctx, a.userID, patch)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "queued #%d\n", item.ID)
	return nil
}

func (a *App) Status(ctx context.Context, _ []string) error {
	st, err := a.sync.Status(ctx, a.userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: version %d, %d pending, %d conflicts, feed %s\n",
		st.Summary(), st.Version, st.Pending, st.Conflicts, st.FeedMode)
	if st.LastError != "" {
		fmt.Fprintf(a.out, "last error: %s\n", st.LastError)
	}
	if st.FeedError != "" {
		fmt.Fprintf(a.out, "feed error: %s\n", st.FeedError)
	}
	return nil
}

func (a *App) Conflicts(ctx context.Context, _ []string) error {
	list, err := a.sync.ListUnresolvedConflicts(ctx, a.userID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "no conflicts")
		return nil
	}
	for _, rec := range list {
		fmt.Fprintf(a.out, "%s (remote version %d, %s)\n", rec.ID, rec.RemoteVersion, rec.CreatedAt.Format(time.DateTime))
		for _, f := range rec.Fields {
			fmt.Fprintf(a.out, "  %s: local %s, remote %s\n", f, formatValue(rec.LocalValues[f]), formatValue(rec.RemoteValues[f]))
		}
	}
	return nil
}

// Resolve settles a conflict. "local" and "remote" pick one side for every
// field; explicit assignments pick values per field.
func (a *App) Resolve(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	id := args[0]

	var chosen models.Fields
	switch args[1] {
	case "local", "remote":
		rec, err := a.findConflict(ctx, id)
		if err != nil {
			return err
		}
		chosen = rec.LocalValues
		if args[1] == "remote" {
			chosen = rec.RemoteValues
		}
	default:
		var err error
		if chosen, err = parseAssignments(args[1:]); err != nil {
			return err
		}
	}

	if err := a.sync.ResolveConflict(ctx, id, chosen); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "conflict %s resolved\n", id)
	return nil
}

func (a *App) findConflict(ctx context.Context, id string) (models.ConflictRecord, error) {
	list, err := a.sync.ListUnresolvedConflicts(ctx, a.userID)
	if err != nil {
		return models.ConflictRecord{}, err
	}
	for _, rec := range list {
		if rec.ID == id {
			return rec, nil
		}
	}
	return models.ConflictRecord{}, fmt.Errorf("no unresolved conflict %s", id)
}

func (a *App) Sync(ctx context.Context, _ []string) error {
	if err := a.sync.Flush(ctx, a.userID); err != nil {
		return err
	}
	s, err := a.sync.Refresh(ctx, a.userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "at version %d\n", s.Version)
	return nil
}

func (a *App) Devices(ctx context.Context, _ []string) error {
	devices, err := a.admin.ListDevices(ctx, a.userID)
	if err != nil {
		return err
	}
	for _, d := range devices {
		line := fmt.Sprintf("%s  %-16s last seen %s", d.DeviceID, d.Name, d.LastSeenAt.Format(time.DateTime))
		if d.Revoked {
			line += "  [revoked]"
		}
		if d.DeviceID == a.deviceID {
			line += "  (this device)"
		}
		fmt.Fprintln(a.out, line)
	}
	return nil
}

func (a *App) Revoke(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	d, err := a.admin.RevokeDevice(ctx, a.userID, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "device %s revoked\n", d.DeviceID)
	return nil
}

// Export uploads a snapshot. With a file argument the snapshot is also
// downloaded through its presigned URL and saved there.
func (a *App) Export(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return errUsage
	}
	exp, err := a.admin.ExportSettings(ctx, a.userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "version %d exported to %s\n%s\n", exp.Version, exp.Key, exp.URL)

	if len(args) == 0 {
		return nil
	}
	body, err := netx.Download(ctx, exp.URL)
	if err != nil {
		return err
	}
	if err := filex.WriteFile(args[0], body); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "saved to %s\n", args[0])
	return nil
}
