package model_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/convohq/chat-service/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDirectPairKeyOrderIndependent(t *testing.T) {
	require.Equal(t, model.DirectPairKey("alice", "bob"), model.DirectPairKey("bob", "alice"))
	require.Equal(t, "alice:bob", model.DirectPairKey("bob", "alice"))
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	msg := model.Message{
		ContentType: model.ContentTypeText,
		Content:     strings.Repeat("é", 200),
	}
	preview := msg.Preview()
	require.True(t, utf8.ValidString(preview))
	require.Equal(t, 120, utf8.RuneCountInString(preview))

	short := model.Message{ContentType: model.ContentTypeText, Content: "hi"}
	require.Equal(t, "hi", short.Preview())
}

func TestPreviewTagsNonTextContent(t *testing.T) {
	msg := model.Message{ContentType: model.ContentTypeImage, Content: "ignored"}
	require.Equal(t, "[image]", msg.Preview())
}
