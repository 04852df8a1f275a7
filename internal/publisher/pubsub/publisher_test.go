package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "runs", map[string]string{"run_id": "r"})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, New(nil).Close())
}

func TestDialRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "", "runs")
	require.Error(t, err)
	_, err = Dial(context.Background(), "proj", "")
	require.Error(t, err)
}
