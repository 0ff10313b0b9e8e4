package docquery

import (
	"context"
	"sync"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/errors"
	"golang.org/x/sync/errgroup"
)

// Operation is one operation of a batch or bulk request. It is implemented by
// Create, Upsert, Read, Delete, Replace and Patch.
type Operation interface {
	// PK returns the partition key the operation applies to.
	PK() interface{}

	wire() common.BatchOperation
}

// Create creates Document.
type Create struct {
	PartitionKey interface{}
	Document     interface{}
}

// Upsert creates or replaces Document.
type Upsert struct {
	PartitionKey interface{}
	Document     interface{}
	IfMatch      string
}

// Read reads the document with ID.
type Read struct {
	PartitionKey interface{}
	ID           string
}

// Delete deletes the document with ID.
type Delete struct {
	PartitionKey interface{}
	ID           string
	IfMatch      string
}

// Replace replaces the document with ID by Document.
type Replace struct {
	PartitionKey interface{}
	ID           string
	Document     interface{}
	IfMatch      string
}

// Patch applies Operations to the document with ID.
type Patch struct {
	PartitionKey interface{}
	ID           string
	Operations   []PatchOperation
	IfMatch      string
}

// PatchOperation is one JSON patch step, like
// {Op: "set", Path: "/name", Value: "x"}.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

func (op *Create) PK() interface{}  { return op.PartitionKey }
func (op *Upsert) PK() interface{}  { return op.PartitionKey }
func (op *Read) PK() interface{}    { return op.PartitionKey }
func (op *Delete) PK() interface{}  { return op.PartitionKey }
func (op *Replace) PK() interface{} { return op.PartitionKey }
func (op *Patch) PK() interface{}   { return op.PartitionKey }

func (op *Create) wire() common.BatchOperation {
	return common.BatchOperation{OperationType: "Create", ResourceBody: op.Document}
}

func (op *Upsert) wire() common.BatchOperation {
	return common.BatchOperation{OperationType: "Upsert", ResourceBody: op.Document, IfMatch: op.IfMatch}
}

func (op *Read) wire() common.BatchOperation {
	return common.BatchOperation{OperationType: "Read", ID: op.ID}
}

func (op *Delete) wire() common.BatchOperation {
	return common.BatchOperation{OperationType: "Delete", ID: op.ID, IfMatch: op.IfMatch}
}

func (op *Replace) wire() common.BatchOperation {
	return common.BatchOperation{OperationType: "Replace", ID: op.ID, ResourceBody: op.Document, IfMatch: op.IfMatch}
}

func (op *Patch) wire() common.BatchOperation {
	body := map[string]interface{}{"operations": op.Operations}
	return common.BatchOperation{OperationType: "Patch", ID: op.ID, ResourceBody: body, IfMatch: op.IfMatch}
}

// ExecuteBatch runs up to common.MaxOperationsPerBatch operations on the
// logical partition pk as one transaction: either all of them succeed or
// none is applied. Operations must not name a different partition key.
func (c *Client) ExecuteBatch(ctx context.Context, collectionLink string, pk interface{}, ops []Operation) (*common.BatchResponse, error) {
	if len(ops) > common.MaxOperationsPerBatch {
		return nil, common.ErrTooManyOperations
	}
	encoded, err := PartitionKeyJSON(pk)
	if err != nil {
		return nil, err
	}
	req := &common.BatchRequest{
		CollectionLink: collectionLink,
		PartitionKey:   encoded,
		Atomic:         true,
		Operations:     make([]common.BatchOperation, 0, len(ops)),
	}
	for i, op := range ops {
		wire := op.wire()
		if op.PK() != nil {
			opPK, err := PartitionKeyJSON(op.PK())
			if err != nil {
				return nil, err
			}
			if opPK != encoded {
				return nil, errors.New("Operation %d is for partition key %v, not %v", i, opPK, encoded)
			}
		}
		wire.PartitionKey = encoded
		req.Operations = append(req.Operations, wire)
	}
	resp, err := c.backend.ExecuteBatch(ctx, req)
	if err != nil {
		return nil, translate(err)
	}
	return resp, nil
}

// BulkOptions configures Bulk.
type BulkOptions struct {
	// ContinueOnError keeps going after an operation or a chunk of operations
	// fails. A partition that is gone fails the whole call regardless.
	ContinueOnError bool
	// MaxConcurrency bounds the number of partitions written to at once. 0
	// means all of them.
	MaxConcurrency int
}

// BulkResult is the outcome of one bulk operation.
type BulkResult struct {
	common.BatchOperationResult
	// Err is set when the chunk containing the operation failed as a whole.
	Err error
}

// BulkResponse holds one result per operation, in the order of the
// operations.
type BulkResponse struct {
	Results []BulkResult
	Headers common.Headers
}

// Bulk runs ops non-transactionally. Operations are grouped by the partition
// key range their partition key hashes to and sent in chunks of up to
// common.MaxOperationsPerBatch, with partitions written to concurrently.
func (c *Client) Bulk(ctx context.Context, collectionLink string, ops []Operation, opts *BulkOptions) (*BulkResponse, error) {
	if opts == nil {
		opts = &BulkOptions{}
	}
	resp := &BulkResponse{Results: make([]BulkResult, len(ops))}
	if len(ops) == 0 {
		return resp, nil
	}
	groups, err := c.groupByRange(ctx, collectionLink, ops)
	if err != nil {
		return resp, err
	}

	var mx sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}
	for _, group := range groups {
		group := group
		g.Go(func() error {
			for start := 0; start < len(group.indexes); start += common.MaxOperationsPerBatch {
				end := start + common.MaxOperationsPerBatch
				if end > len(group.indexes) {
					end = len(group.indexes)
				}
				indexes := group.indexes[start:end]
				req := &common.BatchRequest{CollectionLink: collectionLink, Range: group.pkr}
				for _, i := range indexes {
					req.Operations = append(req.Operations, group.wire[i])
				}
				batchResp, err := c.backend.ExecuteBatch(gctx, req)
				if err != nil {
					if common.IsPartitionGone(err) {
						log.Debugf("Partition %v gone during bulk on %v", group.pkr, collectionLink)
						return &common.PartitionSplitError{Cause: err}
					}
					if !opts.ContinueOnError {
						return err
					}
					mx.Lock()
					for _, i := range indexes {
						resp.Results[i].Err = err
					}
					mx.Unlock()
					continue
				}

				mx.Lock()
				resp.Headers.Merge(batchResp.Headers)
				var failed *common.BatchOperationResult
				for j, i := range indexes {
					if j < len(batchResp.Results) {
						resp.Results[i].BatchOperationResult = batchResp.Results[j]
						if batchResp.Results[j].StatusCode >= 400 && failed == nil {
							failed = &batchResp.Results[j]
						}
					} else {
						resp.Results[i].Err = errors.New("No result for operation %d", i)
					}
				}
				mx.Unlock()
				if failed != nil && !opts.ContinueOnError {
					return errors.New("Bulk operation failed with status %d", failed.StatusCode)
				}
			}
			return nil
		})
	}
	return resp, g.Wait()
}

type rangeGroup struct {
	pkr     common.PartitionKeyRange
	indexes []int
	wire    map[int]common.BatchOperation
}

// groupByRange assigns each operation to the partition key range owning the
// effective partition key of its partition key, keeping operation order
// within each range.
func (c *Client) groupByRange(ctx context.Context, collectionLink string, ops []Operation) ([]*rangeGroup, error) {
	ranges, err := c.router.GetOverlappingRanges(ctx, collectionLink, common.FullRange(), false)
	if err != nil {
		return nil, err
	}
	groups := make([]*rangeGroup, 0, len(ranges))
	byID := make(map[string]*rangeGroup, len(ranges))
	for i, op := range ops {
		encoded, err := PartitionKeyJSON(op.PK())
		if err != nil {
			return nil, err
		}
		epk := effectivePartitionKey(encoded)
		pkr, found := owner(ranges, epk)
		if !found {
			return nil, errors.New("No partition key range owns %v", epk)
		}
		group := byID[pkr.ID]
		if group == nil {
			group = &rangeGroup{pkr: pkr, wire: make(map[int]common.BatchOperation)}
			byID[pkr.ID] = group
			groups = append(groups, group)
		}
		wire := op.wire()
		wire.PartitionKey = encoded
		group.indexes = append(group.indexes, i)
		group.wire[i] = wire
	}
	return groups, nil
}

func owner(sorted []common.PartitionKeyRange, epk string) (common.PartitionKeyRange, bool) {
	for _, pkr := range sorted {
		if pkr.MinInclusive <= epk && epk < pkr.MaxExclusive {
			return pkr, true
		}
	}
	return common.PartitionKeyRange{}, false
}
