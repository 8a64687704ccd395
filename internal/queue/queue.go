// Package queue provides the durable operation queue: an ordered record of
// pending network-bound operations that survives restarts and works while
// offline.
package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kimhsiao/docvault/internal/db"
	apperrors "github.com/kimhsiao/docvault/internal/errors"
	"github.com/kimhsiao/docvault/internal/logging"
	"github.com/kimhsiao/docvault/internal/models"
)

// retryDelays is the fixed backoff schedule, indexed by retry count and
// clamped to the last entry.
var retryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// maxRetriesExceededMsg is the terminal error message after retry exhaustion.
const maxRetriesExceededMsg = "Max retries exceeded"

// Listener is invoked synchronously after every successful enqueue.
type Listener func(item *models.QueueItem)

// OperationQueue is a persistent priority/FIFO queue of network operations
// backed by the sync_queue table. Enqueue only touches local storage and
// therefore succeeds while offline.
type OperationQueue struct {
	db        *db.DB
	listeners []Listener
}

// New creates an OperationQueue over the given database.
func New(database *db.DB) *OperationQueue {
	return &OperationQueue{db: database}
}

func queueErr(message string, err error) error {
	return apperrors.Wrap(apperrors.ErrQueue, message, err)
}

// Enqueue creates a new pending item. An empty priority defaults to normal.
func (q *OperationQueue) Enqueue(opType models.OperationType, documentID string,
	payload json.RawMessage, priority models.Priority) (*models.QueueItem, error) {

	if !opType.IsValid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation type: %s", opType)
	}
	if !priority.IsValid() {
		priority = models.PriorityNormal
	}

	item := &models.QueueItem{
		ID:         models.NewUUID(),
		Type:       opType,
		DocumentID: documentID,
		Payload:    payload,
		CreatedAt:  time.Now().Unix(),
		RetryCount: 0,
		MaxRetries: models.DefaultMaxRetries,
		Priority:   priority,
		Status:     models.QueueStatusPending,
	}

	_, err := q.db.Exec(`
	INSERT INTO sync_queue
		(id, type, document_id, payload, created_at, last_attempt,
		 retry_count, max_retries, priority, status, error)
	VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, '')
	`, item.ID, item.Type, item.DocumentID, []byte(item.Payload),
		item.CreatedAt, item.RetryCount, item.MaxRetries, item.Priority, item.Status)
	if err != nil {
		return nil, queueErr("failed to enqueue operation", err)
	}

	logging.Debug("enqueued operation", map[string]interface{}{
		"item_id":     item.ID,
		"type":        item.Type,
		"document_id": item.DocumentID,
		"priority":    item.Priority,
	})

	q.notifyListeners(item)
	return item, nil
}

// AddListener registers a callback invoked synchronously after every
// successful enqueue. Listener panics are caught and logged; they never
// break the enqueue call.
func (q *OperationQueue) AddListener(l Listener) {
	if l != nil {
		q.listeners = append(q.listeners, l)
	}
}

func (q *OperationQueue) notifyListeners(item *models.QueueItem) {
	for _, l := range q.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("queue listener panicked", nil,
						map[string]interface{}{"item_id": item.ID, "panic": r})
				}
			}()
			l(item)
		}()
	}
}

const itemColumns = `id, type, document_id, payload, created_at, last_attempt,
	retry_count, max_retries, priority, status, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload []byte
	var lastAttempt sql.NullInt64
	err := row.Scan(&item.ID, &item.Type, &item.DocumentID, &payload,
		&item.CreatedAt, &lastAttempt, &item.RetryCount, &item.MaxRetries,
		&item.Priority, &item.Status, &item.Error)
	if err != nil {
		return nil, err
	}
	item.Payload = payload
	if lastAttempt.Valid {
		item.LastAttempt = &lastAttempt.Int64
	}
	return &item, nil
}

func (q *OperationQueue) queryItems(query string, args ...interface{}) ([]*models.QueueItem, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, queueErr("failed to query queue items", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, queueErr("failed to scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, queueErr("failed to iterate queue items", err)
	}
	return items, nil
}

// GetPendingItems returns all pending items ordered by priority tier (high
// before normal before low) and FIFO within a tier.
func (q *OperationQueue) GetPendingItems() ([]*models.QueueItem, error) {
	return q.queryItems(`
	SELECT `+itemColumns+`
	FROM sync_queue WHERE status = 'pending'
	ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
		created_at ASC
	`)
}

// GetItemsForDocument returns all items for a document, newest first.
func (q *OperationQueue) GetItemsForDocument(documentID string) ([]*models.QueueItem, error) {
	return q.queryItems(`
	SELECT `+itemColumns+`
	FROM sync_queue WHERE document_id = ? ORDER BY created_at DESC
	`, documentID)
}

// GetItem returns the item with the given id. Fails with NOT_FOUND when it
// does not exist.
func (q *OperationQueue) GetItem(id models.UUID) (*models.QueueItem, error) {
	row := q.db.QueryRow("SELECT "+itemColumns+" FROM sync_queue WHERE id = ?", id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item not found: %s", id)
	}
	if err != nil {
		return nil, queueErr("failed to read queue item", err)
	}
	return item, nil
}

// UpdateStatus moves an item to a new status. Transitions into processing or
// failed stamp the last-attempt time; errMsg records the failure cause.
func (q *OperationQueue) UpdateStatus(id models.UUID, status models.QueueItemStatus, errMsg string) error {
	var res sql.Result
	var err error
	if status == models.QueueStatusProcessing || status == models.QueueStatusFailed {
		res, err = q.db.Exec(`
		UPDATE sync_queue SET status = ?, error = ?, last_attempt = ? WHERE id = ?
		`, status, errMsg, time.Now().Unix(), id)
	} else {
		res, err = q.db.Exec(`
		UPDATE sync_queue SET status = ?, error = ? WHERE id = ?
		`, status, errMsg, id)
	}
	if err != nil {
		return queueErr("failed to update queue item status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item not found: %s", id)
	}
	return nil
}

// IncrementRetry bumps the retry count after a transient failure, recording
// the cause. When the count reaches the item's retry budget the item becomes
// terminally failed and false is returned; otherwise the item goes back to
// pending and true is returned.
func (q *OperationQueue) IncrementRetry(id models.UUID, cause string) (bool, error) {
	item, err := q.GetItem(id)
	if err != nil {
		return false, err
	}

	item.RetryCount++
	if item.RetryCount >= item.MaxRetries {
		_, err = q.db.Exec(`
		UPDATE sync_queue SET retry_count = ?, status = 'failed', error = ?, last_attempt = ?
		WHERE id = ?
		`, item.RetryCount, maxRetriesExceededMsg, time.Now().Unix(), id)
		if err != nil {
			return false, queueErr("failed to mark queue item failed", err)
		}
		logging.Warn("queue item exhausted retries", map[string]interface{}{
			"item_id": id, "type": item.Type, "retry_count": item.RetryCount, "cause": cause,
		})
		return false, nil
	}

	_, err = q.db.Exec(`
	UPDATE sync_queue SET retry_count = ?, status = 'pending', error = ? WHERE id = ?
	`, item.RetryCount, cause, id)
	if err != nil {
		return false, queueErr("failed to schedule queue item retry", err)
	}
	return true, nil
}

// RetryDelay returns the backoff delay for a retry count, clamped to the
// last table entry.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[retryCount]
}

// IsReadyForRetry reports whether enough time has passed since the item's
// last attempt for it to be picked up again.
func (q *OperationQueue) IsReadyForRetry(item *models.QueueItem) bool {
	if item.Status != models.QueueStatusPending {
		return true
	}
	if item.LastAttempt == nil {
		return true
	}
	return time.Since(item.LastAttemptTime()) >= RetryDelay(item.RetryCount)
}

// RetryAllFailed resets every failed item to pending with a fresh retry
// budget and a cleared error. Returns the number of items reset.
func (q *OperationQueue) RetryAllFailed() (int, error) {
	res, err := q.db.Exec(`
	UPDATE sync_queue SET status = 'pending', retry_count = 0, error = '', last_attempt = NULL
	WHERE status = 'failed'
	`)
	if err != nil {
		return 0, queueErr("failed to reset failed items", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("reset failed queue items for retry", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// RemoveCompleted deletes all completed items.
func (q *OperationQueue) RemoveCompleted() (int, error) {
	return q.deleteWhere("status = 'completed'")
}

// ClearFailed deletes all failed items.
func (q *OperationQueue) ClearFailed() (int, error) {
	return q.deleteWhere("status = 'failed'")
}

func (q *OperationQueue) deleteWhere(cond string, args ...interface{}) (int, error) {
	res, err := q.db.Exec("DELETE FROM sync_queue WHERE "+cond, args...)
	if err != nil {
		return 0, queueErr("failed to delete queue items", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Remove deletes a single item by id.
func (q *OperationQueue) Remove(id models.UUID) error {
	res, err := q.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return queueErr("failed to remove queue item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item not found: %s", id)
	}
	return nil
}

// ClearForDocument deletes all items referencing a document.
func (q *OperationQueue) ClearForDocument(documentID string) (int, error) {
	return q.deleteWhere("document_id = ?", documentID)
}

// ClearAll empties the queue.
func (q *OperationQueue) ClearAll() error {
	_, err := q.db.Exec("DELETE FROM sync_queue")
	if err != nil {
		return queueErr("failed to clear queue", err)
	}
	return nil
}

// Stats is a snapshot of queue item counts by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
	Total      int `json:"total"`
}

// GetStats returns queue statistics.
func (q *OperationQueue) GetStats() (*Stats, error) {
	rows, err := q.db.Query("SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, queueErr("failed to query queue stats", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status models.QueueItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, queueErr("failed to scan queue stats", err)
		}
		switch status {
		case models.QueueStatusPending:
			stats.Pending = count
		case models.QueueStatusProcessing:
			stats.Processing = count
		case models.QueueStatusFailed:
			stats.Failed = count
		case models.QueueStatusCompleted:
			stats.Completed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, queueErr("failed to iterate queue stats", err)
	}
	return stats, nil
}
