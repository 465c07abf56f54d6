package cache

import (
	"encoding/json"
	"fmt"

	apierrors "github.com/crmware/apiguard/pkg/errors"
)

// CanonicalKey builds the cache key for (namespace, identifier). String
// identifiers concatenate directly. Anything else is serialized with
// encoding/json, which emits map keys in sorted order, so structurally
// equal identifiers always produce the same key regardless of insertion
// order. An identifier that cannot be serialized (a cyclic structure) is
// a programmer error and surfaces as a ClassSerialization error.
func CanonicalKey(namespace string, identifier any) (string, error) {
	switch id := identifier.(type) {
	case string:
		return namespace + ":" + id, nil
	case fmt.Stringer:
		return namespace + ":" + id.String(), nil
	}

	b, err := json.Marshal(identifier)
	if err != nil {
		return "", apierrors.Wrap(err, "CACHE_KEY", "identifier cannot be canonicalized", apierrors.ClassSerialization)
	}
	return namespace + ":" + string(b), nil
}
