package infra

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/metrics"
)

// dedupWindow suppresses repeated posts of the same dedup key while the
// user keeps switching back to a blocked app.
const dedupWindow = 30 * time.Second

// LogNotifier renders notification intents and hands them to a posting
// function. Posting failures are swallowed: the block action proceeds
// with or without the user-visible notification.
type LogNotifier struct {
	mu     sync.Mutex
	last   map[string]time.Time
	post   func(title, body string)
	logger *zap.Logger
}

// NewLogNotifier creates a notifier. post may be nil, in which case
// intents are only logged.
func NewLogNotifier(post func(title, body string), logger *zap.Logger) *LogNotifier {
	return &LogNotifier{
		last:   make(map[string]time.Time),
		post:   post,
		logger: logger.With(zap.String("component", "notifier")),
	}
}

// Post renders and delivers one notice.
func (n *LogNotifier) Post(notice domain.Notice) {
	if notice.DedupKey != "" {
		n.mu.Lock()
		lastAt, seen := n.last[notice.DedupKey]
		now := time.Now()
		if seen && now.Sub(lastAt) < dedupWindow {
			n.mu.Unlock()
			return
		}
		n.last[notice.DedupKey] = now
		n.mu.Unlock()
	}

	title, body := render(notice)
	n.logger.Info("notification",
		zap.String("kind", string(notice.Kind)),
		zap.String("title", title),
		zap.String("body", body))
	metrics.NotificationsPosted.WithLabelValues(string(notice.Kind)).Inc()

	if n.post != nil {
		n.post(title, body)
	}
}

func render(notice domain.Notice) (title, body string) {
	switch notice.Kind {
	case domain.NoticeBlocked:
		title = "App blocked"
		body = fmt.Sprintf("%s reached its limit (%s of %s used)",
			notice.Package, notice.Used.Round(time.Minute), notice.Limit.Round(time.Minute))
	case domain.NoticeReminder:
		title = "Almost out of time"
		body = fmt.Sprintf("%s has used %s of its %s limit",
			notice.Package, notice.Used.Round(time.Minute), notice.Limit.Round(time.Minute))
	case domain.NoticeRoutineActivated:
		title = "Routine started"
		body = fmt.Sprintf("%s is now active", notice.Routine)
	case domain.NoticeRoutineDeactivated:
		title = "Routine ended"
		body = fmt.Sprintf("%s is no longer active", notice.Routine)
	case domain.NoticeFocusEnded:
		title = "Focus session complete"
		body = "All apps are available again"
	default:
		title = string(notice.Kind)
	}
	return title, body
}

var _ domain.Notifier = (*LogNotifier)(nil)
