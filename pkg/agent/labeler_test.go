package agent

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/sashabaranov/go-openai"
)

func TestParseLabelsCleanArray(t *testing.T) {
	labels := ParseLabels(`["1950s", "outdoor", "3 people"]`)
	want := []string{"1950s", "outdoor", "3 people"}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("labels = %v, want %v", labels, want)
	}
}

func TestParseLabelsEmbeddedInProse(t *testing.T) {
	labels := ParseLabels(`Here are the labels for this photo: ["1940s", "church", "wedding"] Hope this helps!`)
	want := []string{"1940s", "church", "wedding"}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("labels = %v, want %v", labels, want)
	}
}

func TestParseLabelsRepairsNearJSON(t *testing.T) {
	// Trailing comma and single quotes, the usual model sloppiness.
	labels := ParseLabels(`['1960s', 'beach', 'summer',]`)
	want := []string{"1960s", "beach", "summer"}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("labels = %v, want %v", labels, want)
	}
}

func TestParseLabelsFallbackTruncates(t *testing.T) {
	long := strings.Repeat("x", rawLabelLimit+50)
	labels := ParseLabels(long)
	if len(labels) != 1 {
		t.Fatalf("want single fallback label, got %v", labels)
	}
	if len([]rune(labels[0])) != rawLabelLimit {
		t.Errorf("fallback length = %d, want %d", len([]rune(labels[0])), rawLabelLimit)
	}
}

func TestParseLabelsPlainTextFallback(t *testing.T) {
	labels := ParseLabels("  A sepia photo of two people. ")
	if len(labels) != 1 || labels[0] != "A sepia photo of two people." {
		t.Errorf("labels = %v", labels)
	}
}

func TestParseLabelsEmpty(t *testing.T) {
	if labels := ParseLabels("   "); labels != nil {
		t.Errorf("blank input must yield no labels, got %v", labels)
	}
}

func TestParseLabelsDedupes(t *testing.T) {
	labels := ParseLabels(`["outdoor", "1950s", "outdoor", "1950s", "picnic"]`)
	want := []string{"outdoor", "1950s", "picnic"}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("labels = %v, want %v", labels, want)
	}
}

func TestParseLabelsDropsBlankEntries(t *testing.T) {
	labels := ParseLabels(`["outdoor", "", "  ", "1950s"]`)
	want := []string{"outdoor", "1950s"}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("labels = %v, want %v", labels, want)
	}
}

func TestLabelMediaWritesLabels(t *testing.T) {
	store := newFakeStore()
	store.entities["m1"] = &graph.Entity{
		ID:         "m1",
		Kind:       graph.KindMedia,
		Properties: map[string]interface{}{"url": "https://img.example/m1.jpg"},
	}
	chat := &fakeChat{turns: []openai.ChatCompletionMessage{
		assistantText(`["1950s", "outdoor"]`),
	}}

	l := NewLabeler(chat, openai.GPT4o, store, nil)
	labels, err := l.LabelMedia(context.Background(), "m1")
	if err != nil {
		t.Fatalf("LabelMedia failed: %v", err)
	}
	if !reflect.DeepEqual(labels, []string{"1950s", "outdoor"}) {
		t.Errorf("labels = %v", labels)
	}

	// Status goes pending first, then the labels land with the complete
	// flag in one statement.
	if len(store.writes) != 2 {
		t.Fatalf("want 2 writes (status, labels), got %d", len(store.writes))
	}
	if store.writes[0].Params["status"] != "pending" {
		t.Errorf("first write must mark labeling pending: %v", store.writes[0].Params)
	}
	if !strings.Contains(store.writes[1].Cypher, "aiLabelStatus = 'complete'") {
		t.Errorf("final write must mark labeling complete:\n%s", store.writes[1].Cypher)
	}

	// The vision request pairs the image with the instruction text.
	parts := chat.requests[0].Messages[0].MultiContent
	if len(parts) != 2 || parts[0].ImageURL == nil {
		t.Fatalf("vision request malformed: %+v", parts)
	}
	if parts[0].ImageURL.URL != "https://img.example/m1.jpg" {
		t.Errorf("image url = %s", parts[0].ImageURL.URL)
	}
}

func TestLabelMediaRejectsNonMedia(t *testing.T) {
	store := newFakeStore()
	store.entities["P1"] = &graph.Entity{ID: "P1", Kind: graph.KindPerson}

	l := NewLabeler(&fakeChat{}, openai.GPT4o, store, nil)
	if _, err := l.LabelMedia(context.Background(), "P1"); err == nil {
		t.Fatal("labeling a non-media node must fail")
	}
}

func TestLabelMediaRejectsArchived(t *testing.T) {
	store := newFakeStore()
	store.entities["m1"] = &graph.Entity{
		ID:         "m1",
		Kind:       graph.KindMedia,
		Archived:   true,
		Properties: map[string]interface{}{"url": "https://img.example/m1.jpg"},
	}

	l := NewLabeler(&fakeChat{}, openai.GPT4o, store, nil)
	if _, err := l.LabelMedia(context.Background(), "m1"); err == nil {
		t.Fatal("labeling an archived media node must fail")
	}
}

func TestLabelMediaRequiresURL(t *testing.T) {
	store := newFakeStore()
	store.entities["m1"] = &graph.Entity{ID: "m1", Kind: graph.KindMedia, Properties: map[string]interface{}{}}

	chat := &fakeChat{}
	l := NewLabeler(chat, openai.GPT4o, store, nil)
	if _, err := l.LabelMedia(context.Background(), "m1"); err == nil {
		t.Fatal("media without a url must fail before any model call")
	}
	if chat.calls != 0 {
		t.Error("no model call may happen without an image url")
	}
}
