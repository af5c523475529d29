package history

import (
	"reflect"
	"testing"

	"atlas/internal/types"
)

func seed(c *Cache, chatID string) []types.Message {
	messages := []types.Message{
		{ID: "u1", ChatID: chatID, Role: types.MessageRoleUser, Content: "first question"},
		{ID: "a1", ChatID: chatID, Role: types.MessageRoleAssistant, Content: "first answer"},
		{ID: "u2", ChatID: chatID, Role: types.MessageRoleUser, Content: "second question",
			Attachments: []types.Attachment{{ID: "f1", Name: "notes.txt"}}},
		{ID: "a2", ChatID: chatID, Role: types.MessageRoleAssistant, Content: "second answer"},
	}
	c.Replace(chatID, messages)
	return messages
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := NewCache()
	original := seed(c, "c1")

	snapshot := c.Snapshot("c1")
	if !c.TruncateAt("c1", "u2") {
		t.Fatal("truncate failed")
	}
	if _, ok := c.Rewrite("c1", "u1", "mutated"); !ok {
		t.Fatal("rewrite failed")
	}

	c.Restore("c1", snapshot)
	if got := c.Messages("c1"); !reflect.DeepEqual(got, original) {
		t.Fatalf("restore did not reproduce the snapshot:\n got %+v\nwant %+v", got, original)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := NewCache()
	seed(c, "c1")

	snapshot := c.Snapshot("c1")
	snapshot[0].Content = "mutated"
	snapshot[2].Attachments[0].Name = "mutated"

	got := c.Messages("c1")
	if got[0].Content != "first question" || got[2].Attachments[0].Name != "notes.txt" {
		t.Fatalf("snapshot mutation leaked into cache: %+v", got)
	}
}

func TestTruncateAtRemovesTargetAndTail(t *testing.T) {
	c := NewCache()
	seed(c, "c1")

	if !c.TruncateAt("c1", "a1") {
		t.Fatal("truncate failed")
	}
	got := c.Messages("c1")
	if len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("unexpected list after truncate: %+v", got)
	}
	if c.TruncateAt("c1", "missing") {
		t.Fatal("truncate of unknown id must report false")
	}
}

func TestTruncateAfterKeepsTarget(t *testing.T) {
	c := NewCache()
	seed(c, "c1")

	if !c.TruncateAfter("c1", "u2") {
		t.Fatal("truncate failed")
	}
	got := c.Messages("c1")
	if len(got) != 3 || got[2].ID != "u2" {
		t.Fatalf("unexpected list after truncate: %+v", got)
	}
}

func TestRewriteReportsRole(t *testing.T) {
	c := NewCache()
	seed(c, "c1")

	role, ok := c.Rewrite("c1", "u2", "edited question")
	if !ok || role != types.MessageRoleUser {
		t.Fatalf("rewrite = %q, %v", role, ok)
	}
	if got := c.Messages("c1"); got[2].Content != "edited question" {
		t.Fatalf("content not rewritten: %+v", got[2])
	}
	if _, ok := c.Rewrite("c1", "missing", "x"); ok {
		t.Fatal("rewrite of unknown id must report false")
	}
}

func TestPromoteIDsTargetsLastPlaceholderPair(t *testing.T) {
	c := NewCache()
	c.Replace("c1", []types.Message{
		{ID: "u1", Role: types.MessageRoleUser, Content: "old"},
		{ID: "a1", Role: types.MessageRoleAssistant, Content: "old"},
		{ID: "local-u", Role: types.MessageRoleUser, Content: "new"},
		{ID: "local-a", Role: types.MessageRoleAssistant, Content: "new"},
	})

	c.PromoteIDs("c1", "u2", "a2")
	got := c.Messages("c1")
	if got[0].ID != "u1" || got[1].ID != "a1" {
		t.Fatalf("earlier messages must keep their ids: %+v", got)
	}
	if got[2].ID != "u2" || got[3].ID != "a2" {
		t.Fatalf("placeholder pair not promoted: %+v", got)
	}
}

func TestDropForgetsChat(t *testing.T) {
	c := NewCache()
	seed(c, "c1")
	c.Drop("c1")
	if got := c.Messages("c1"); got != nil {
		t.Fatalf("dropped chat still has messages: %+v", got)
	}
}

func TestAppend(t *testing.T) {
	c := NewCache()
	c.Append("c1", types.Message{ID: "u1", Role: types.MessageRoleUser, Content: "hello"})
	got := c.Messages("c1")
	if len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("unexpected list: %+v", got)
	}
}
