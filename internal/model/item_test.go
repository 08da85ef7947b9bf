package model

import (
	"bytes"
	"errors"
	"testing"
)

func TestSlackThreadWithMessage(t *testing.T) {
	thread := &SlackThread{Channel: "C1", ThreadTS: "100.1"}
	thread = thread.WithMessage(SlackMessage{TS: "100.3", User: "U2", Text: "second"})
	thread = thread.WithMessage(SlackMessage{TS: "100.1", User: "U1", Text: "root"})

	if len(thread.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(thread.Messages))
	}
	if thread.Messages[0].TS != "100.1" {
		t.Fatalf("messages not ordered by ts: %+v", thread.Messages)
	}
	if thread.Title() != "root" {
		t.Fatalf("Title = %q, want root", thread.Title())
	}

	before, _ := EncodeItemData(thread)
	again := thread.WithMessage(SlackMessage{TS: "100.3", User: "U2", Text: "edited"})
	after, _ := EncodeItemData(again)
	if !bytes.Equal(before, after) {
		t.Fatal("redelivered message changed the payload")
	}
}

func TestSourceIDs(t *testing.T) {
	tests := []struct {
		data ThirdPartyItemData
		want string
	}{
		{&JiraIssue{Key: "PROJ-1"}, "PROJ-1"},
		{&SlackStar{Channel: "C1", MessageTS: "1.2"}, "star/C1/1.2"},
		{&SlackReaction{Channel: "C1", MessageTS: "1.2", Name: "eyes"}, "reaction/C1/1.2/eyes"},
		{&SlackThread{ThreadTS: "9.9"}, "9.9"},
		{&TodoItem{ID: "T1"}, "T1"},
	}
	for _, tt := range tests {
		if got := tt.data.SourceID(); got != tt.want {
			t.Errorf("%s SourceID = %q, want %q", tt.data.Kind(), got, tt.want)
		}
	}
}

func TestDecodeItemData(t *testing.T) {
	raw, err := EncodeItemData(&TodoItem{ID: "T1", Content: "Buy milk", Checked: true})
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}

	data, err := DecodeItemData(KindTodoItem, raw)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	todo, ok := data.(*TodoItem)
	if !ok || todo.Content != "Buy milk" || !todo.Checked {
		t.Fatalf("decoded %#v", data)
	}

	_, err = DecodeItemData("carrier_pigeon", raw)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unknown kind error = %v, want ValidationError", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := Unsupported("reaction %s not configured", "eyes")
	if !IsUnsupportedAction(err) {
		t.Fatal("Unsupported() not recognized as unsupported action")
	}
	if IsStorageError(err) {
		t.Fatal("unsupported action misclassified as storage error")
	}

	wrapped := &StorageError{Op: "insert", Err: errors.New("disk full")}
	if !IsStorageError(wrapped) || IsNotFound(wrapped) {
		t.Fatal("storage error misclassified")
	}
}
