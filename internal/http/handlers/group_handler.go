package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/group-sync/internal/http/middleware"
	"github.com/tbourn/group-sync/internal/services"
)

// GroupTransactions godoc
// @ID          groupTransactions
// @Summary     Group transactions snapshot
// @Description Returns the group's shared transactions, newest first, served cache-first. When the data is stale a background sync starts and is_loading is true. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Groups
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"        example(alice)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"   example(W/\"txs:g1:15:1709290000000000000:0:0\")
// @Param       id             path    string  true  "Group ID"
// @Param       from           query   string  false "Earliest date (RFC 3339 or YYYY-MM-DD)"
// @Param       to             query   string  false "Latest date, inclusive (RFC 3339 or YYYY-MM-DD)"
//
// @Success     200  {object} services.Snapshot
// @Header      200  {string} ETag  "Weak ETag for the returned entries"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a member"
// @Failure     404  {object} handlers.ErrorResponse "Group not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /groups/{id}/transactions [get]
func (h *Handlers) GroupTransactions(c *gin.Context) {
	r, valid := parseRange(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeInvalidRange, "from/to must be RFC 3339 timestamps or YYYY-MM-DD dates")
		return
	}

	snap, err := h.groups.Snapshot(c.Request.Context(), userID(c), c.Param("id"), r)
	if err != nil {
		failService(c, err)
		return
	}

	// A snapshot that is still loading will change shortly; don't let the
	// client pin it.
	etag := ""
	if !snap.IsLoading {
		etag = services.SnapshotETag(snap, r)
	}
	if conditional(c, etag) {
		return
	}
	ok(c, http.StatusOK, snap)
}

// StreamGroupTransactions godoc
// @ID          streamGroupTransactions
// @Summary     Live group transactions
// @Description Server-sent events. Each "snapshot" event carries a services.Snapshot; the first one has is_loading=true and empty data, followed by the cached data and every later revalidation. Idle streams receive "ping" events.
// @Tags        Groups
// @Produce     text/event-stream
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       id         path    string  true  "Group ID"
// @Param       from       query   string  false "Earliest date (RFC 3339 or YYYY-MM-DD)"
// @Param       to         query   string  false "Latest date, inclusive (RFC 3339 or YYYY-MM-DD)"
//
// @Success     200  {object} services.Snapshot
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a member"
// @Failure     404  {object} handlers.ErrorResponse "Group not found"
// @Router      /groups/{id}/transactions/stream [get]
func (h *Handlers) StreamGroupTransactions(c *gin.Context) {
	r, valid := parseRange(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeInvalidRange, "from/to must be RFC 3339 timestamps or YYYY-MM-DD dates")
		return
	}

	ctx := c.Request.Context()
	stream, err := h.groups.Watch(ctx, userID(c), c.Param("id"), r)
	if err != nil {
		failService(c, err)
		return
	}
	defer stream.Close()

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	// The server's WriteTimeout would cut the stream.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		middleware.LoggerFrom(c).Debug().Err(err).Msg("stream keeps server write deadline")
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap, open := <-stream.C():
			if !open {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

// SyncGroup godoc
// @ID          syncGroup
// @Summary     Sync a group now
// @Description Runs a delta sync of the group (or joins the one in flight) and returns its report. Members that failed are listed in partial_errors; when the sources are unreachable the report has offline=true.
// @Tags        Groups
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       id         path    string  true  "Group ID"
//
// @Success     200  {object} services.SyncReport
// @Failure     403  {object} handlers.ErrorResponse "Not a member"
// @Failure     404  {object} handlers.ErrorResponse "Group not found"
// @Failure     502  {object} handlers.ErrorResponse "Every member query failed"
// @Failure     503  {object} handlers.ErrorResponse "Local cache unavailable"
// @Router      /groups/{id}/sync [post]
func (h *Handlers) SyncGroup(c *gin.Context) {
	rep, err := h.groups.SyncNow(c.Request.Context(), userID(c), c.Param("id"))
	var partial *services.PartialFetchError
	if err != nil && !(errors.As(err, &partial) && rep != nil) {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, rep)
}

// GroupSyncStatus godoc
// @ID          groupSyncStatus
// @Summary     Group sync state
// @Description Returns idle/syncing/error, the last successful sync time and cache occupancy for the group.
// @Tags        Groups
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       id         path    string  true  "Group ID"
//
// @Success     200  {object} services.GroupStatus
// @Failure     403  {object} handlers.ErrorResponse "Not a member"
// @Failure     404  {object} handlers.ErrorResponse "Group not found"
// @Router      /groups/{id}/sync [get]
func (h *Handlers) GroupSyncStatus(c *gin.Context) {
	st, err := h.groups.Status(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}
