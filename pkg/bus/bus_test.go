package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilBus(t *testing.T) {
	var b *Bus

	assert.Error(t, b.Publish(context.Background(), "metricsd.exports.ready", map[string]string{"a": "b"}))
	assert.Error(t, b.EnsureStream("EXPORTS", "metricsd.exports.>"))

	_, err := b.Subscribe(context.Background(), "metricsd.exports.>", "", func(context.Context, []byte) error { return nil })
	assert.Error(t, err)

	assert.NotPanics(t, b.Close)
}

func TestNewUnreachable(t *testing.T) {
	_, err := New("nats://127.0.0.1:1")
	assert.Error(t, err)
}
