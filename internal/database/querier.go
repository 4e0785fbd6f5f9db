// internal/database/querier.go
package database

import (
	"context"

	"github.com/google/uuid"
)

type Querier interface {
	CreateWorkItemsSource(ctx context.Context, arg CreateWorkItemsSourceParams) (WorkItemsSource, error)
	GetWorkItemsSourceByKey(ctx context.Context, key uuid.UUID) (WorkItemsSource, error)
	ListWorkItemsSourcesByImportState(ctx context.Context, importStates []string) ([]WorkItemsSource, error)
	MergeWorkItemsSourceData(ctx context.Context, arg MergeWorkItemsSourceDataParams) (WorkItemsSource, error)
	UpdateWorkItemsSource(ctx context.Context, arg UpdateWorkItemsSourceParams) (WorkItemsSource, error)
	UpdateWorkItemsSourceImportState(ctx context.Context, arg UpdateWorkItemsSourceImportStateParams) (WorkItemsSource, error)

	DeleteWorkItem(ctx context.Context, id int64) error
	GetWorkItemByKey(ctx context.Context, key uuid.UUID) (WorkItem, error)
	GetWorkItemBySourceID(ctx context.Context, arg GetWorkItemBySourceIDParams) (WorkItem, error)
	GetWorkItemRefsByIDs(ctx context.Context, ids []int64) ([]WorkItemRef, error)
	GetWorkItemsBySourceIDs(ctx context.Context, arg GetWorkItemsBySourceIDsParams) ([]WorkItem, error)
	ListParentCandidates(ctx context.Context, arg ListParentCandidatesParams) ([]WorkItemRef, error)
	ListUnresolvedChildren(ctx context.Context, arg ListUnresolvedChildrenParams) ([]WorkItemRef, error)
	ListWorkItemsPage(ctx context.Context, arg ListWorkItemsPageParams) ([]WorkItem, error)
	ReassignChildren(ctx context.Context, arg ReassignChildrenParams) (int64, error)
	RelocateWorkItem(ctx context.Context, arg RelocateWorkItemParams) error
	SetWorkItemParents(ctx context.Context, arg []SetWorkItemParentParams) error
	SoftDeleteWorkItems(ctx context.Context, arg SoftDeleteWorkItemsParams) ([]WorkItemRef, error)
	UpsertWorkItems(ctx context.Context, arg []UpsertWorkItemParams) ([]UpsertWorkItemRow, error)
}

var _ Querier = (*Queries)(nil)
