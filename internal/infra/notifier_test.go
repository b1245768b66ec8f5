package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
)

func TestLogNotifier_PostsRenderedNotice(t *testing.T) {
	var titles, bodies []string
	n := NewLogNotifier(func(title, body string) {
		titles = append(titles, title)
		bodies = append(bodies, body)
	}, zap.NewNop())

	n.Post(domain.Notice{
		Kind:    domain.NoticeBlocked,
		Package: "com.chat",
		Used:    31 * time.Minute,
		Limit:   30 * time.Minute,
	})

	assert.Equal(t, []string{"App blocked"}, titles)
	assert.Contains(t, bodies[0], "com.chat")
	assert.Contains(t, bodies[0], "30m")
}

func TestLogNotifier_DedupsByKey(t *testing.T) {
	var posted int
	n := NewLogNotifier(func(string, string) { posted++ }, zap.NewNop())

	notice := domain.Notice{
		Kind:     domain.NoticeBlocked,
		Package:  "com.chat",
		DedupKey: "block-focus-com.chat",
	}
	n.Post(notice)
	n.Post(notice)
	n.Post(notice)

	assert.Equal(t, 1, posted)
}

func TestLogNotifier_DistinctKeysBothPost(t *testing.T) {
	var posted int
	n := NewLogNotifier(func(string, string) { posted++ }, zap.NewNop())

	n.Post(domain.Notice{Kind: domain.NoticeBlocked, DedupKey: "a"})
	n.Post(domain.Notice{Kind: domain.NoticeBlocked, DedupKey: "b"})

	assert.Equal(t, 2, posted)
}

func TestLogNotifier_NoDedupKeyAlwaysPosts(t *testing.T) {
	var posted int
	n := NewLogNotifier(func(string, string) { posted++ }, zap.NewNop())

	n.Post(domain.Notice{Kind: domain.NoticeRoutineActivated, Routine: "work"})
	n.Post(domain.Notice{Kind: domain.NoticeRoutineActivated, Routine: "work"})

	assert.Equal(t, 2, posted)
}

func TestLogNotifier_NilPostFuncIsSafe(t *testing.T) {
	n := NewLogNotifier(nil, zap.NewNop())
	n.Post(domain.Notice{Kind: domain.NoticeFocusEnded})
}
