package drive

// BuildPlan diffs the upload targets against the remote inventory. It
// is pure: no I/O, no mutation of its inputs.
//
// Each target becomes one decision, in target order; a target whose
// destination path is already occupied by an indexed remote file
// carries that file for an in-place update. The index is not amended
// while planning, so two targets sharing a destination path (flat-mode
// collisions) both resolve against the same pre-run snapshot.
//
// With purge set, the plan also carries every indexed file whose path
// no local target claims, sorted by path, plus the post-order folder
// cleanup candidates. Emptiness and ownership of those candidates are
// deliberately not decided here: the executor re-checks both at
// deletion time, after stale files are gone.
func BuildPlan(targets []Target, inv *Inventory, purge bool) Plan {
	plan := Plan{
		Decisions: make([]Decision, 0, len(targets)),
	}

	for _, t := range targets {
		d := Decision{Target: t}

		if existing, ok := inv.Files[t.DestPath]; ok {
			d.Existing = &existing
		}

		plan.Decisions = append(plan.Decisions, d)
	}

	if !purge {
		return plan
	}

	wanted := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		wanted[t.DestPath] = struct{}{}
	}

	for _, p := range sortedKeys(inv.Files) {
		if _, ok := wanted[p]; !ok {
			plan.Stale = append(plan.Stale, inv.Files[p])
		}
	}

	plan.Cleanup = inv.Tree.PostOrder()

	return plan
}
