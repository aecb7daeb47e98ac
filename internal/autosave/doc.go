// Package autosave debounces persistence of frequently changing state.
//
// Every change calls Trigger. The save function runs once, quiet after the
// last Trigger, so a burst of edits costs one write:
//
//	d := autosave.New(time.Second, func(ctx context.Context) error {
//	    return st.ReplaceAll(ctx, snapshot())
//	}, logger)
//	defer d.Stop()
//
// Flush forces a pending save, typically at shutdown before Stop. Save
// errors are logged and returned from Flush; a failed save is not retried
// until the next Trigger.
package autosave
