// Package services implements the sync engine: multi-member queries, the
// persistent cache, delta sync, the cache-first query layer and the push
// notification trigger. This file centralizes service-level errors so that
// callers can check them with errors.Is / errors.As.
//
// Translation into HTTP status codes happens in the handler layer.
package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors.
var (
	// ErrOffline is returned (or wrapped) when the source of truth cannot be
	// reached at all. Sync treats it as a silent no-op.
	ErrOffline = errors.New("network unavailable")

	// ErrSyncFailed indicates every dirty member failed during a sync.
	ErrSyncFailed = errors.New("sync failed")

	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = errors.New("group not found")

	// ErrNotGroupMember is returned when a user acts on a group they do not belong to.
	ErrNotGroupMember = errors.New("user is not a member of the group")

	// ErrTransactionNotFound indicates the transaction does not exist or is
	// not owned by the caller.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidTransaction is returned for malformed transaction input.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrTooManyGroups is returned when a transaction is tagged with more
	// than MaxSharedGroups groups.
	ErrTooManyGroups = errors.New("too many shared groups")

	// ErrInvalidRange is returned when a date range has From after To.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrUnknownGroup is returned when a push event carries no resolvable group.
	ErrUnknownGroup = errors.New("push event has no group")

	// ErrInvalidSubscription is returned for incomplete push subscriptions.
	ErrInvalidSubscription = errors.New("invalid push subscription")

	// ErrSubscriptionNotFound indicates no subscription matched.
	ErrSubscriptionNotFound = errors.New("push subscription not found")
)

// PartialFetchError reports members whose queries failed while others
// succeeded. The data that was fetched is still valid.
type PartialFetchError struct {
	Failed map[string]error
}

func (e *PartialFetchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("partial fetch: %d member(s) failed: %s", len(ids), strings.Join(ids, ", "))
}

// Messages flattens the failures for transport.
func (e *PartialFetchError) Messages() map[string]string {
	out := make(map[string]string, len(e.Failed))
	for id, err := range e.Failed {
		out[id] = err.Error()
	}
	return out
}

// CacheCorruptionError wraps a persistent cache failure. Readers fall back
// to network-only mode when they see it.
type CacheCorruptionError struct {
	Op  string
	Err error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }

// StaleWatermarkError marks local watermarks for members that are no longer
// in the group.
type StaleWatermarkError struct {
	GroupID string
	Members []string
}

func (e *StaleWatermarkError) Error() string {
	return fmt.Sprintf("group %s: stale watermarks for %s", e.GroupID, strings.Join(e.Members, ", "))
}
