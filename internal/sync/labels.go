package sync

import (
	"context"
	"slices"
)

// resolveLabels merges explicit label ids with ids looked up by name.
// Names that cannot be resolved are logged and dropped. The result keeps
// first-seen order without duplicates.
func (c *Coordinator) resolveLabels(ctx context.Context, ids, names []string) []string {
	var out []string
	add := func(id string) {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	for _, id := range ids {
		add(id)
	}
	for _, name := range names {
		label, ok, err := c.feed.FindLabelByName(ctx, name)
		switch {
		case err != nil:
			c.logger.Warn("label lookup failed", "label", name, "err", err)
		case !ok:
			c.logger.Warn("label not found, ignoring", "label", name)
		default:
			add(label.ID)
		}
	}
	return out
}
