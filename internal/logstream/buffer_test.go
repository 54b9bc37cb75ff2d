package logstream_test

import (
	"fmt"
	"testing"

	"mitmhijack/internal/logstream"
	"mitmhijack/pkg/domain"
)

func ev(i int) domain.LogEvent {
	return domain.LogEvent{Data: fmt.Sprintf("log-%d", i), Timestamp: int64(i)}
}

func TestAppendEvictsOldest(t *testing.T) {
	b := logstream.New(25)
	for i := 1; i <= 25; i++ {
		b.Append(ev(i))
	}
	if b.Len() != 25 {
		t.Fatalf("25 次追加后长度应为 25, got %d", b.Len())
	}

	b.Append(ev(26))
	cur := b.Current()
	if len(cur) != 25 {
		t.Fatalf("长度不应超过 25, got %d", len(cur))
	}
	if cur[0].Data != "log-26" {
		t.Errorf("头部应为最新日志, got %s", cur[0].Data)
	}
	if cur[24].Data != "log-2" {
		t.Errorf("第 26 次追加应只淘汰最旧的 log-1, 尾部为 %s", cur[24].Data)
	}
	for _, e := range cur {
		if e.Data == "log-1" {
			t.Error("log-1 应被淘汰")
		}
	}
}

func TestDiffAndPublish(t *testing.T) {
	b := logstream.New(0)
	var got []logstream.Snapshot
	cancel := b.Subscribe(func(s logstream.Snapshot) { got = append(got, s) })
	defer cancel()

	if b.Tick() {
		t.Error("空缓冲与空快照相同，不应发布")
	}

	b.Append(ev(1))
	if !b.Tick() {
		t.Error("长度变化应发布")
	}
	if b.Tick() {
		t.Error("无变化不应重复发布")
	}

	if !b.DiffAndPublish(logstream.Snapshot{ev(9)}) {
		t.Error("头部内容变化应发布")
	}

	// 长度相同、头部相同、内部不同：已知的近似行为，不发布
	b2 := logstream.New(5)
	b2.DiffAndPublish(logstream.Snapshot{ev(3), ev(2)})
	if b2.DiffAndPublish(logstream.Snapshot{ev(3), ev(1)}) {
		t.Error("仅比较长度和头部，内部变化不应触发发布")
	}

	if len(got) != 2 {
		t.Errorf("订阅者应收到 2 次快照, got %d", len(got))
	}
}

func TestPublishedSnapshotIsImmutable(t *testing.T) {
	b := logstream.New(5)
	cand := logstream.Snapshot{ev(1)}
	b.DiffAndPublish(cand)
	cand[0].Data = "changed"

	if b.Latest()[0].Data != "log-1" {
		t.Error("修改候选切片不应影响已发布快照")
	}

	b.Append(ev(2))
	if len(b.Latest()) != 1 {
		t.Error("追加不应修改已发布快照")
	}
}

func TestSubscribeCancelAndReset(t *testing.T) {
	b := logstream.New(5)
	calls := 0
	cancel := b.Subscribe(func(logstream.Snapshot) { calls++ })
	b.Append(ev(1))
	b.Tick()
	cancel()
	b.Append(ev(2))
	b.Tick()
	if calls != 1 {
		t.Errorf("取消订阅后不应再收到, calls=%d", calls)
	}

	b.Reset()
	if b.Len() != 0 || b.Latest() != nil {
		t.Error("Reset 应清空缓冲与快照")
	}
}
