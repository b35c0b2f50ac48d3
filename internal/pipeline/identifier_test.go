package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shelfscan/api/internal/model"
)

func newTestIdentifier(t *testing.T, m Model, s Searcher, limits Limits) *Identifier {
	t.Helper()
	return NewIdentifier(
		NewValidator(limits),
		NewOrchestrator(m, s, fakeBlobs{}, 3, zaptest.NewLogger(t)),
		NewNormalizer(),
	)
}

func TestIdentifier_Success(t *testing.T) {
	m := &scriptedModel{turns: []*ModelTurn{
		{ToolCalls: []ToolCall{searchCall("c1", "4001234567")}},
		{Content: `{"name":"Widget","barcode":"4001234567"}`},
	}}

	res, err := newTestIdentifier(t, m, &fakeSearch{}, Limits{MaxBarcodes: 10}).
		Identify(context.Background(), Input{Barcodes: "4001234567"})
	require.NoError(t, err)

	assert.Equal(t, "default-model", res.ModelUsed)
	assert.Len(t, res.Trace, 1)
	require.Len(t, res.Bundle.Products, 1)
	assert.Equal(t, model.MethodBarcode, res.Bundle.Products[0].Identification.Method)
}

func TestIdentifier_ValidationSkipsProviders(t *testing.T) {
	m := &scriptedModel{turns: []*ModelTurn{{Content: productsAnswer}}}
	s := &fakeSearch{}
	id := newTestIdentifier(t, m, s, Limits{MaxBarcodes: 2, MaxImageBytes: 100})

	_, err := id.Identify(context.Background(), Input{Barcodes: "1 2 3"})
	assert.True(t, errors.Is(err, ErrBarcodeLimitExceeded))

	_, err = id.Identify(context.Background(), Input{Images: []Image{{Size: 60, Data: []byte("x")}, {Size: 60, Data: []byte("y")}}})
	assert.True(t, errors.Is(err, ErrImagePayloadTooLarge))

	assert.Equal(t, 0, m.calls())
	assert.Equal(t, 0, s.calls())
}

func TestIdentifier_UnrecognizedShapeCarriesTrace(t *testing.T) {
	m := &scriptedModel{turns: []*ModelTurn{
		{ToolCalls: []ToolCall{searchCall("c1", "q")}},
		{Content: "no idea"},
	}}

	_, err := newTestIdentifier(t, m, &fakeSearch{}, Limits{}).
		Identify(context.Background(), Input{Model: "m2"})

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, CodeUnrecognizedResultShape, perr.Code)
	assert.Equal(t, "m2", perr.ModelUsed)
	assert.Len(t, perr.Trace, 1)
}
