package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/crmware/apiguard/pkg/errors"
)

type stringerID struct {
	id string
}

func (s stringerID) String() string { return s.id }

func TestCanonicalKey_StringIdentifier(t *testing.T) {
	key, err := CanonicalKey("contacts", "42")
	require.NoError(t, err)
	assert.Equal(t, "contacts:42", key)
}

func TestCanonicalKey_Stringer(t *testing.T) {
	key, err := CanonicalKey("contacts", stringerID{id: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "contacts:abc", key)
}

func TestCanonicalKey_StructuredDeterminism(t *testing.T) {
	// encoding/json emits map keys sorted, so structurally equal
	// identifiers produce the same key regardless of construction order.
	a := map[string]any{"page": 1, "filter": "active", "sort": "name"}
	b := map[string]any{"sort": "name", "filter": "active", "page": 1}

	keyA, err := CanonicalKey("contacts", a)
	require.NoError(t, err)
	keyB, err := CanonicalKey("contacts", b)
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
}

func TestCanonicalKey_DistinctIdentifiers(t *testing.T) {
	keyA, err := CanonicalKey("contacts", map[string]any{"page": 1})
	require.NoError(t, err)
	keyB, err := CanonicalKey("contacts", map[string]any{"page": 2})
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestCanonicalKey_NamespaceSeparation(t *testing.T) {
	keyA, err := CanonicalKey("contacts", "42")
	require.NoError(t, err)
	keyB, err := CanonicalKey("deals", "42")
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestCanonicalKey_Unserializable(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n

	_, err := CanonicalKey("contacts", n)
	require.Error(t, err)
	assert.Equal(t, apierrors.ClassSerialization, apierrors.ClassOf(err))
}
