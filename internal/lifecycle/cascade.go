package lifecycle

import (
	"context"

	"salescrm/api/internal/store"
)

// cascadeRule soft-deletes child rows whose column points at a deleted parent.
type cascadeRule struct {
	parent store.Entity
	child  store.Entity
	column string
}

var cascadeRules = []cascadeRule{
	{parent: store.EntityLead, child: store.EntityDeal, column: "lead_id"},
	{parent: store.EntityLead, child: store.EntityActivityLog, column: "lead_id"},
	{parent: store.EntityDeal, child: store.EntityActivityLog, column: "deal_id"},
}

// cascade applies every rule for entity and recurses into cascaded children.
// Soft-deleted rows are tallied per child entity in counts.
func cascade(ctx context.Context, repo Repository, entity store.Entity, id int64, counts map[store.Entity]int) error {
	for _, rule := range cascadeRules {
		if rule.parent != entity {
			continue
		}
		ids, err := repo.SoftDelete(ctx, rule.child, rule.column, id)
		if err != nil {
			return err
		}
		counts[rule.child] += len(ids)
		for _, childID := range ids {
			if err := cascade(ctx, repo, rule.child, childID, counts); err != nil {
				return err
			}
		}
	}
	return nil
}
