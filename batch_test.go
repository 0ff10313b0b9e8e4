package docquery

import (
	"context"
	"fmt"
	"testing"

	"github.com/getlantern/docquery/common"
	"github.com/getlantern/docquery/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationWireForm(t *testing.T) {
	doc := map[string]interface{}{"id": "1"}
	cases := []struct {
		op       Operation
		expected common.BatchOperation
	}{
		{&Create{Document: doc}, common.BatchOperation{OperationType: "Create", ResourceBody: doc}},
		{&Upsert{Document: doc, IfMatch: "e"}, common.BatchOperation{OperationType: "Upsert", ResourceBody: doc, IfMatch: "e"}},
		{&Read{ID: "1"}, common.BatchOperation{OperationType: "Read", ID: "1"}},
		{&Delete{ID: "1"}, common.BatchOperation{OperationType: "Delete", ID: "1"}},
		{&Replace{ID: "1", Document: doc}, common.BatchOperation{OperationType: "Replace", ID: "1", ResourceBody: doc}},
		{&Patch{ID: "1", Operations: []PatchOperation{{Op: "set", Path: "/n", Value: 1}}}, common.BatchOperation{
			OperationType: "Patch",
			ID:            "1",
			ResourceBody:  map[string]interface{}{"operations": []PatchOperation{{Op: "set", Path: "/n", Value: 1}}},
		}},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, c.op.wire())
	}
}

func TestExecuteBatch(t *testing.T) {
	svc := testsupport.NewService()
	client := newClient(t, svc)
	resp, err := client.ExecuteBatch(context.Background(), collectionLink, "k", []Operation{
		&Create{Document: map[string]interface{}{"id": "1"}},
		&Read{PartitionKey: "k", ID: "2"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 201, resp.Results[0].StatusCode)
	assert.Equal(t, 200, resp.Results[1].StatusCode)
	assert.EqualValues(t, 2, resp.Headers.RequestCharge)

	batches := svc.Batches()
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Atomic)
	assert.Equal(t, `["k"]`, batches[0].PartitionKey)
	for _, op := range batches[0].Operations {
		assert.Equal(t, `["k"]`, op.PartitionKey)
	}
}

func TestExecuteBatchLimits(t *testing.T) {
	svc := testsupport.NewService()
	client := newClient(t, svc)

	ops := make([]Operation, common.MaxOperationsPerBatch+1)
	for i := range ops {
		ops[i] = &Read{ID: fmt.Sprint(i)}
	}
	_, err := client.ExecuteBatch(context.Background(), collectionLink, "k", ops)
	assert.Equal(t, common.ErrTooManyOperations, err)

	_, err = client.ExecuteBatch(context.Background(), collectionLink, "k", []Operation{&Read{PartitionKey: "j", ID: "1"}})
	assert.Error(t, err)
	assert.Empty(t, svc.Batches())

	_, err = client.ExecuteBatch(context.Background(), collectionLink, "k", ops[:common.MaxOperationsPerBatch])
	assert.NoError(t, err)
}

func TestBulkGroupsByPartition(t *testing.T) {
	svc := testsupport.NewService(
		testsupport.NewPartition("0", "", "20"),
		testsupport.NewPartition("1", "20", "FF"),
	)
	client := newClient(t, svc)
	ops := make([]Operation, 250)
	for i := range ops {
		ops[i] = &Create{PartitionKey: fmt.Sprintf("k%d", i), Document: map[string]interface{}{"id": fmt.Sprint(i)}}
	}

	resp, err := client.Bulk(context.Background(), collectionLink, ops, &BulkOptions{MaxConcurrency: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, len(ops))
	for i, result := range resp.Results {
		assert.NoError(t, result.Err)
		assert.Equal(t, 201, result.StatusCode)
		assert.Equal(t, map[string]interface{}{"id": fmt.Sprint(i)}, result.ResourceBody, "results should line up with operations")
	}
	assert.EqualValues(t, len(ops), resp.Headers.RequestCharge)

	sent := 0
	for _, batch := range svc.Batches() {
		assert.False(t, batch.Atomic)
		assert.LessOrEqual(t, len(batch.Operations), common.MaxOperationsPerBatch)
		for _, op := range batch.Operations {
			epk := effectivePartitionKey(op.PartitionKey)
			assert.True(t, batch.Range.MinInclusive <= epk && epk < batch.Range.MaxExclusive, "%v outside of %v", epk, batch.Range)
		}
		sent += len(batch.Operations)
	}
	assert.Equal(t, len(ops), sent)
}

func TestBulkAbortsWhenPartitionIsGone(t *testing.T) {
	svc := testsupport.NewService(testsupport.NewPartition("0", "", "FF"))
	client := newClient(t, svc)
	_, err := client.OverlappingRanges(context.Background(), collectionLink, common.FullRange())
	require.NoError(t, err)
	svc.Split("0", 0,
		testsupport.NewPartition("0a", "", "80"),
		testsupport.NewPartition("0b", "80", "FF"),
	)

	_, err = client.Bulk(context.Background(), collectionLink, []Operation{&Create{PartitionKey: "k", Document: "doc"}}, &BulkOptions{ContinueOnError: true})
	var splitErr *common.PartitionSplitError
	assert.ErrorAs(t, err, &splitErr)
}

func TestBulkContinueOnError(t *testing.T) {
	svc := testsupport.NewService(testsupport.NewPartition("0", "", "FF"))
	svc.BatchStatus = func(req *common.BatchRequest, op common.BatchOperation) int {
		if op.ResourceBody == "dup" {
			return 409
		}
		return 201
	}
	client := newClient(t, svc)
	ops := []Operation{
		&Create{PartitionKey: "a", Document: "one"},
		&Create{PartitionKey: "b", Document: "dup"},
		&Create{PartitionKey: "c", Document: "three"},
	}

	resp, err := client.Bulk(context.Background(), collectionLink, ops, &BulkOptions{ContinueOnError: true})
	require.NoError(t, err)
	statuses := make([]int, 0, len(resp.Results))
	for _, result := range resp.Results {
		statuses = append(statuses, result.StatusCode)
	}
	assert.Equal(t, []int{201, 409, 201}, statuses)

	_, err = client.Bulk(context.Background(), collectionLink, ops, nil)
	assert.Error(t, err)
}

func TestBulkWithoutOperations(t *testing.T) {
	svc := testsupport.NewService(testsupport.NewPartition("0", "", "FF"))
	client := newClient(t, svc)
	resp, err := client.Bulk(context.Background(), collectionLink, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, svc.Batches())
}
