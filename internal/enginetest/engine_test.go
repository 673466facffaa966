package enginetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistrationExpiresWithoutRefresh(t *testing.T) {
	e := Start(t)
	e.Register(Listener{UID: "late", Host: "127.0.0.1", Port: 1, TimeoutMS: 50})
	e.Register(Listener{UID: "forever", Host: "127.0.0.1", Port: 2})

	_, ok := e.Listener("late")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := e.Listener("late")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, e.Expired())

	_, ok = e.Listener("forever")
	require.True(t, ok)
}
