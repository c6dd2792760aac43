package service

import "github.com/buildflow-ai/be-mr-requests/internal/repository"

// transitionKey gates a fulfillment transition on who is acting, not just on
// the current state.
type transitionKey struct {
	From repository.ItemStatus
	By   repository.Role
}

// itemTransitions is the closed (status × acting role) → allowed-targets
// table for line-item fulfillment. Anything not listed is forbidden.
// Cancel/restore are deliberately outside the table: cancel is legal from any
// non-terminal state and restore is a verbatim snapshot restoration.
var itemTransitions = map[transitionKey][]repository.ItemStatus{
	{repository.ItemDraft, repository.RoleAuthor}: {
		repository.ItemSubmitted,
	},
	{repository.ItemSubmitted, repository.RoleSupplyManager}: {
		repository.ItemSupplyReview,
	},
	{repository.ItemSupplyReview, repository.RoleSupplyManager}: {
		repository.ItemWarehouseCheck,
	},
	{repository.ItemWarehouseCheck, repository.RoleWarehouseManager}: {
		repository.ItemSupplyAfterWarehouse,
	},
	{repository.ItemSupplyAfterWarehouse, repository.RoleSupplyManager}: {
		repository.ItemEngineeringReview,
	},
	{repository.ItemEngineeringReview, repository.RoleChiefEngineer}: {
		repository.ItemSupplyAfterEng,
		repository.ItemReturnedForRevision,
	},
	{repository.ItemSupplyAfterEng, repository.RoleSupplyManager}: {
		repository.ItemPMReview,
	},
	{repository.ItemPMReview, repository.RoleProjectManager}: {
		repository.ItemSupplyAfterPM,
		repository.ItemReturnedForRevision,
	},
	{repository.ItemSupplyAfterPM, repository.RoleSupplyManager}: {
		repository.ItemDirectorReview,
	},
	{repository.ItemDirectorReview, repository.RoleDirector}: {
		repository.ItemSupplyAfterDirector,
		repository.ItemReturnedForRevision,
	},
	// After director sign-off, supply routes the item either through payment
	// or straight to site shipment.
	{repository.ItemSupplyAfterDirector, repository.RoleSupplyManager}: {
		repository.ItemPaymentPending,
		repository.ItemShipToSite,
	},
	{repository.ItemPaymentPending, repository.RoleAccountant}: {
		repository.ItemPaid,
	},
	{repository.ItemPaid, repository.RoleSupplyManager}: {
		repository.ItemDelivered,
	},
	{repository.ItemShipToSite, repository.RoleSupplyManager}: {
		repository.ItemDelivered,
	},
	{repository.ItemDelivered, repository.RoleAuthor}: {
		repository.ItemCompleted,
	},
	{repository.ItemReturnedForRevision, repository.RoleAuthor}: {
		repository.ItemSubmitted,
	},
}

// transitionAllowed reports whether actingRole may move an item from current
// to target.
func transitionAllowed(current repository.ItemStatus, actingRole repository.Role, target repository.ItemStatus) bool {
	for _, allowed := range itemTransitions[transitionKey{current, actingRole}] {
		if allowed == target {
			return true
		}
	}
	return false
}
