package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/stupiduntilnot/localchat/internal/db"
)

// ErrNoRoot is returned when the events table holds no process root.
var ErrNoRoot = errors.New("no process.started event found")

// Event is one row of the events table together with its children.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	// Depth is 1 for the subtree root.
	Depth    int
	Children []*Event
}

// Options controls which subtree is shown and how.
type Options struct {
	// RootID selects the subtree root; 0 means the latest process.started.
	RootID int64
	// MaxDepth limits display depth; 0 is unlimited.
	MaxDepth  int
	JSON      bool
	NoPayload bool
}

// Show loads the subtree selected by opts and writes it to w.
func Show(ctx context.Context, database *sql.DB, w io.Writer, opts Options) error {
	rootID := opts.RootID
	if rootID == 0 {
		var err error
		if rootID, err = LatestRoot(ctx, database); err != nil {
			return err
		}
	}
	events, err := QuerySubtree(ctx, database, rootID, opts.MaxDepth)
	if err != nil {
		return errors.Wrap(err, "query subtree")
	}
	root := BuildTree(events, rootID)
	if root == nil {
		return errors.Errorf("event %d not found", rootID)
	}
	if opts.JSON {
		return RenderJSON(w, root, opts.MaxDepth, opts.NoPayload)
	}
	return Render(w, root, opts.MaxDepth, opts.NoPayload)
}

// LatestRoot returns the id of the most recent process.started event.
func LatestRoot(ctx context.Context, database *sql.DB) (int64, error) {
	var id int64
	err := database.QueryRowContext(ctx,
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		db.EventProcessStarted,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRoot
	}
	if err != nil {
		return 0, errors.Wrap(err, "find latest root")
	}
	return id, nil
}

// QuerySubtree returns the events below rootID, rootID included, in id order.
// With maxDepth > 0 the walk stops one level past maxDepth, so callers can
// tell a truncated node from a leaf without loading the rest of the tree.
func QuerySubtree(ctx context.Context, database *sql.DB, rootID int64, maxDepth int) ([]*Event, error) {
	rows, err := database.QueryContext(ctx, `
		WITH RECURSIVE subtree(id, depth) AS (
			SELECT id, 1 FROM events WHERE id = ?1
			UNION ALL
			SELECT e.id, s.depth + 1 FROM events e JOIN subtree s ON e.parent_id = s.id
			WHERE ?2 <= 0 OR s.depth <= ?2
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload, s.depth
		FROM events e
		JOIN subtree s ON s.id = e.id
		ORDER BY e.id ASC
	`, rootID, maxDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload, &ev.Depth); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// BuildTree links a flat event list into a tree and returns the node for rootID.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}

// Render writes the tree with box-drawing connectors.
func Render(w io.Writer, root *Event, maxDepth int, noPayload bool) error {
	var b strings.Builder
	renderNode(&b, root, "", true, 1, maxDepth, noPayload)
	_, err := io.WriteString(w, b.String())
	return err
}

func renderNode(b *strings.Builder, ev *Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	if depth == 1 {
		b.WriteString(FormatEvent(ev, noPayload) + "\n")
	} else {
		b.WriteString(prefix + connector + FormatEvent(ev, noPayload) + "\n")
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			b.WriteString(childPrefix + "└── [...]\n")
		}
		return
	}
	for i, child := range ev.Children {
		renderNode(b, child, childPrefix, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// FormatEvent renders one line: [id] timestamp  event_type  key=value ...
func FormatEvent(ev *Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)

	if noPayload {
		return line
	}
	m := payloadMap(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

// formatValue truncates long strings and prints whole floats as integers.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func payloadMap(ev *Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
	// Truncated marks a node whose children were cut by the depth limit.
	Truncated bool `json:"truncated,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
	}
	if !noPayload {
		if m := payloadMap(ev); m != nil {
			je.Payload = m
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		je.Truncated = len(ev.Children) > 0
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

// RenderJSON writes the tree as indented JSON.
func RenderJSON(w io.Writer, root *Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload)), "encode json")
}
