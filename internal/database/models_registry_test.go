package database

import (
	"reflect"
	"testing"

	modelspkg "pulserelay/internal/models"

	"github.com/stretchr/testify/require"
)

func TestPersistentModels_IncludesAllDomainEntities(t *testing.T) {
	want := []interface{}{
		&modelspkg.User{},
		&modelspkg.Hub{},
		&modelspkg.Device{},
		&modelspkg.Session{},
		&modelspkg.ActiveAlert{},
		&modelspkg.SessionLog{},
	}

	got := PersistentModels()
	require.Len(t, got, len(want))

	for _, w := range want {
		found := false
		for _, g := range got {
			if reflect.TypeOf(g) == reflect.TypeOf(w) {
				found = true
				break
			}
		}
		require.True(t, found, "PersistentModels should include %T", w)
	}
}
