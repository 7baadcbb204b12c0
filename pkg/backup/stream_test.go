package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-msg/aurora/pkg/convo"
	"github.com/aurora-msg/aurora/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAlice(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveConversation(ctx, &convo.Record{
		LocalID:         "c-alice",
		Kind:            convo.KindDirect,
		PrimaryIdentity: "ACI-A",
		E164:            "+15550001111",
		Name:            "Alice",
		CreatedAt:       time.UnixMilli(1000),
	}))
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID:             "m1",
		ConversationID: "c-alice",
		AuthorID:       "ACI-A",
		SentAt:         time.UnixMilli(1700000000000),
		ReceivedAt:     time.UnixMilli(1700000000500),
		Body:           "hi",
	}))
}

func fixedClock() time.Time {
	return time.UnixMilli(1750000000000)
}

// runAndCollect produces the whole stream, consuming eagerly.
func runAndCollect(t *testing.T, s *store.Store, opts Options) ([]byte, *Stream, error) {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedClock
	}
	stream, err := New(zerolog.Nop(), s, opts)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- stream.Run(context.Background()) }()
	data, readErr := io.ReadAll(stream)
	runErr := <-runDone
	if runErr == nil {
		require.NoError(t, readErr)
	}
	return data, stream, runErr
}

func decodeLines(t *testing.T, data []byte) []map[string]json.RawMessage {
	t.Helper()
	var out []map[string]json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var obj map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &obj))
		out = append(out, obj)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestStream_PlaintextGolden(t *testing.T) {
	s := openTestStore(t)
	seedAlice(t, s)

	data, stream, err := runAndCollect(t, s, Options{Type: BackupTypePlaintext})
	require.NoError(t, err)
	assert.Equal(t, StateFinished, stream.State())
	assert.Empty(t, stream.ValidationReports())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "plaintext_stream", data)
}

func TestStream_FrameOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)
	require.NoError(t, s.SaveConversation(ctx, &convo.Record{
		LocalID:      "c-group",
		Kind:         convo.KindGroup,
		GroupID:      "GROUP-1",
		GroupVersion: 2,
		Name:         "Friends",
		CreatedAt:    time.UnixMilli(2000),
	}))
	// An author never seen as its own conversation: must be declared
	// eagerly before the chat item that references it.
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID:             "m-stranger",
		ConversationID: "c-group",
		AuthorID:       "ACI-STRANGER",
		SentAt:         time.UnixMilli(1700000001000),
		Body:           "who am I",
	}))

	data, stream, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.NoError(t, err)

	declaredRecipients := map[uint64]bool{}
	declaredChats := map[uint64]bool{}
	for _, line := range decodeLines(t, data) {
		if raw, ok := line["recipient"]; ok {
			var rec RecipientFrame
			require.NoError(t, json.Unmarshal(raw, &rec))
			declaredRecipients[rec.ID] = true
		}
		if raw, ok := line["chat"]; ok {
			var chat ChatFrame
			require.NoError(t, json.Unmarshal(raw, &chat))
			assert.True(t, declaredRecipients[chat.RecipientID], "chat references undeclared recipient %d", chat.RecipientID)
			declaredChats[chat.ID] = true
		}
		if raw, ok := line["chatItem"]; ok {
			var item ChatItemFrame
			require.NoError(t, json.Unmarshal(raw, &item))
			assert.True(t, declaredChats[item.ChatID], "chat item references undeclared chat %d", item.ChatID)
			assert.True(t, declaredRecipients[item.AuthorID], "chat item references undeclared author %d", item.AuthorID)
		}
	}
	stats := stream.Stats()
	assert.Equal(t, 2, stats.Chats)
	assert.Equal(t, 2, stats.Messages)
	// Alice, group, self, release notes, and the eagerly declared stranger.
	assert.Equal(t, 5, stats.Recipients)
}

func TestStream_RecipientStability(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)
	// A second message from Alice: its author id must match the one her
	// recipient frame declared.
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID:             "m2",
		ConversationID: "c-alice",
		AuthorID:       "ACI-A",
		SentAt:         time.UnixMilli(1700000002000),
		Body:           "again",
	}))

	data, _, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.NoError(t, err)

	var aliceID uint64
	var authorIDs []uint64
	for _, line := range decodeLines(t, data) {
		if raw, ok := line["recipient"]; ok {
			var rec RecipientFrame
			require.NoError(t, json.Unmarshal(raw, &rec))
			if rec.Contact != nil && rec.Contact.ServiceID == "ACI-A" {
				aliceID = rec.ID
			}
		}
		if raw, ok := line["chatItem"]; ok {
			var item ChatItemFrame
			require.NoError(t, json.Unmarshal(raw, &item))
			authorIDs = append(authorIDs, item.AuthorID)
		}
	}
	require.NotZero(t, aliceID)
	assert.Equal(t, []uint64{aliceID, aliceID}, authorIDs)
}

func TestStream_SkipsLegacyGroupsAndTransients(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)
	require.NoError(t, s.SaveConversation(ctx, &convo.Record{
		LocalID:      "c-legacy",
		Kind:         convo.KindGroup,
		GroupID:      "OLD-GROUP",
		GroupVersion: 1,
		CreatedAt:    time.UnixMilli(3000),
	}))
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID: "m-legacy", ConversationID: "c-legacy", SentAt: time.UnixMilli(1700000003000), Body: "in v1",
	}))
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID: "m-story", ConversationID: "c-alice", Kind: store.KindStory, SentAt: time.UnixMilli(1700000004000),
	}))
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID: "m-short", ConversationID: "c-alice", SentAt: time.UnixMilli(1700000005000),
		Body: "gone soon", ExpireTimer: time.Minute,
	}))

	data, stream, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.NoError(t, err)

	stats := stream.Stats()
	assert.Equal(t, 1, stats.SkippedConversations)
	assert.Equal(t, 3, stats.SkippedMessages)
	assert.Equal(t, 1, stats.Messages)
	for _, line := range decodeLines(t, data) {
		if raw, ok := line["recipient"]; ok {
			var rec RecipientFrame
			require.NoError(t, json.Unmarshal(raw, &rec))
			if rec.Group != nil {
				t.Fatalf("legacy group leaked into stream: %s", rec.Group.GroupID)
			}
		}
	}
}

func TestStream_UnknownMessageKindFailsRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID: "m-weird", ConversationID: "c-alice", Kind: store.MessageKind("mystery"),
		SentAt: time.UnixMilli(1700000006000),
	}))

	_, stream, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
	assert.Equal(t, StateErrored, stream.State())

	// Write access must be back even after a failed run.
	saveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.SaveConversation(saveCtx, &convo.Record{LocalID: "post", Kind: convo.KindDirect}))
}

func TestStream_BinaryFraming(t *testing.T) {
	s := openTestStore(t)
	seedAlice(t, s)

	plain, _, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.NoError(t, err)
	wantFrames := len(decodeLines(t, plain))

	data, _, err := runAndCollect(t, s, Options{Type: BackupTypeLocalEncrypted})
	require.NoError(t, err)

	rd := bufio.NewReader(bytes.NewReader(data))
	frames := 0
	for {
		size, err := binary.ReadUvarint(rd)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body := make([]byte, size)
		_, err = io.ReadFull(rd, body)
		require.NoError(t, err)
		require.True(t, json.Valid(body), "frame body is not JSON")
		if frames == 0 {
			var info BackupInfo
			require.NoError(t, json.Unmarshal(body, &info))
			assert.Equal(t, backupVersion, info.Version)
			assert.Equal(t, fixedClock().UnixMilli(), info.BackupTimeMS)
		}
		frames++
	}
	assert.Equal(t, wantFrames, frames)
}

func TestStream_BackpressureResumable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)
	// Enough messages to overrun the chunk buffer several times.
	for i := 0; i < 100; i++ {
		require.NoError(t, s.AddMessage(ctx, &store.Message{
			ConversationID: "c-alice",
			AuthorID:       "ACI-A",
			SentAt:         time.UnixMilli(int64(1700000010000 + i)),
			Body:           "bulk",
		}))
	}

	fast, _, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.NoError(t, err)

	// Second run over the same data, consumed haltingly: small reads with
	// pauses long enough to saturate the producer, short enough to stay
	// inside the flush timeout.
	stream, err := New(zerolog.Nop(), s, Options{
		Type:         BackupTypeIntegrationTest,
		FlushTimeout: 10 * time.Second,
		Now:          fixedClock,
	})
	require.NoError(t, err)
	runDone := make(chan error, 1)
	go func() { runDone <- stream.Run(context.Background()) }()

	var slow []byte
	buf := make([]byte, 512)
	for i := 0; ; i++ {
		n, err := stream.Read(buf)
		slow = append(slow, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if i%4 == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.NoError(t, <-runDone)

	assert.Equal(t, fast, slow, "paused consumption changed the stream")
}

func TestStream_FlushTimeout(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.AddMessage(ctx, &store.Message{
			ConversationID: "c-alice",
			SentAt:         time.UnixMilli(int64(1700000020000 + i)),
			Body:           "filler",
		}))
	}

	stream, err := New(zerolog.Nop(), s, Options{
		Type:         BackupTypeIntegrationTest,
		FlushTimeout: 50 * time.Millisecond,
		Now:          fixedClock,
	})
	require.NoError(t, err)

	// Nobody reads: the producer overruns the buffer and must fail with
	// the timeout error kind instead of hanging.
	err = stream.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlushTimeout)
	assert.Equal(t, StateErrored, stream.State())

	// Write access was resumed on the error path.
	saveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.SaveConversation(saveCtx, &convo.Record{LocalID: "post", Kind: convo.KindDirect}))
}

func TestStream_RemoteSwapsAttachmentJobs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)

	attDir := t.TempDir()
	attPath := filepath.Join(attDir, "photo.jpg")
	require.NoError(t, os.WriteFile(attPath, []byte("\xff\xd8\xff\xe0 not really a jpeg"), 0o600))

	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID:             "m-att",
		ConversationID: "c-alice",
		AuthorID:       "ACI-A",
		SentAt:         time.UnixMilli(1700000030000),
		Body:           "photo",
		Attachments:    []store.Attachment{{ID: "att1", Path: attPath, Size: 25}},
	}))
	// A stale job from an aborted earlier run must be gone afterward.
	require.NoError(t, s.ReplaceAttachmentBackupJobs(ctx, []*store.AttachmentBackupJob{
		{AttachmentID: "stale", Path: "/tmp/stale"},
	}))

	_, stream, err := runAndCollect(t, s, Options{Type: BackupTypeRemote})
	require.NoError(t, err)

	jobs, err := s.GetAttachmentBackupJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "att1", jobs[0].AttachmentID)
	assert.Equal(t, "m-att", jobs[0].MessageID)
	assert.NotEmpty(t, jobs[0].ContentType)
	assert.Len(t, stream.AttachmentJobs(), 1)
}

func TestStream_SingleUse(t *testing.T) {
	s := openTestStore(t)
	seedAlice(t, s)

	_, stream, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.NoError(t, err)
	assert.Error(t, stream.Run(context.Background()))
}

func TestStream_RevisionsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedAlice(t, s)
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID: "rev-new", ConversationID: "c-alice", AuthorID: "ACI-A",
		SentAt: time.UnixMilli(1700000000400), Body: "hi (edit 2)", RevisionOf: "m1",
	}))
	require.NoError(t, s.AddMessage(ctx, &store.Message{
		ID: "rev-old", ConversationID: "c-alice", AuthorID: "ACI-A",
		SentAt: time.UnixMilli(1700000000200), Body: "hi (edit 1)", RevisionOf: "m1",
	}))

	data, _, err := runAndCollect(t, s, Options{Type: BackupTypeIntegrationTest})
	require.NoError(t, err)

	var found bool
	for _, line := range decodeLines(t, data) {
		raw, ok := line["chatItem"]
		if !ok {
			continue
		}
		var item ChatItemFrame
		require.NoError(t, json.Unmarshal(raw, &item))
		require.Len(t, item.Revisions, 2)
		assert.Equal(t, "hi (edit 1)", item.Revisions[0].Standard.Text)
		assert.Equal(t, "hi (edit 2)", item.Revisions[1].Standard.Text)
		// Revisions share the parent's chat and author identity.
		assert.Equal(t, item.ChatID, item.Revisions[0].ChatID)
		assert.Equal(t, item.AuthorID, item.Revisions[0].AuthorID)
		found = true
	}
	assert.True(t, found)
}

func TestFrameValidator(t *testing.T) {
	v, err := newFrameValidator()
	require.NoError(t, err)

	require.NoError(t, v.validateLine([]byte(`{"version":1,"backupTimeMs":123}`)))
	require.NoError(t, v.validateLine([]byte(`{"recipient":{"id":1,"self":{}}}`)))
	assert.Error(t, v.validateLine([]byte(`not json`)))
	// A chat without its required recipient reference.
	assert.Error(t, v.validateLine([]byte(`{"chat":{"id":1}}`)))
	// Two payloads in one frame.
	assert.Error(t, v.validateLine([]byte(`{"account":{},"stickerPack":{"id":"a","packKey":"b"}}`)))
}
