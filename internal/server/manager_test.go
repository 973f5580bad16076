// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// fakeSender captura as mensagens que o manager entregaria ao peer.
type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
	fail error
}

func (f *fakeSender) Send(clientID string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

// ofType retorna as mensagens capturadas de um tipo.
func (f *fakeSender) ofType(t protocol.MessageType) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.msgs {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) countOf(t protocol.MessageType) int {
	return len(f.ofType(t))
}

// fakeTransport satisfaz Transport para popular o registry nos testes.
type fakeTransport struct {
	addr   string
	mu     sync.Mutex
	closed bool
}

func (t *fakeTransport) Send(protocol.Message) error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return t.addr }

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastTransferConfig usa timers curtos para os testes de timeout e retry.
func fastTransferConfig() config.TransferInfo {
	return config.TransferInfo{
		ChunkSize:             4,
		MaxChunkRetryAttempts: 3,
		ChunkRetryDelay:       10 * time.Millisecond,
		AckTimeout:            150 * time.Millisecond,
		DownloadTimeout:       5 * time.Second,
		HeartbeatInterval:     time.Minute,
		RetentionWindow:       time.Minute,
	}
}

// newTestManager monta um manager com um client "agent-1" registrado.
func newTestManager(t *testing.T, cfg config.TransferInfo) (*Manager, *fakeSender, *DownloadStore) {
	t.Helper()

	store, err := NewDownloadStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating download store: %v", err)
	}

	registry := NewRegistry()
	tempID := registry.Attach(&fakeTransport{addr: "127.0.0.1:9999"})
	if err := registry.Promote(tempID, "agent-1", nil); err != nil {
		t.Fatalf("registering test client: %v", err)
	}

	sender := &fakeSender{}
	mgr := NewManager(registry, sender, store, cfg, NewEventRing(64), testLogger())
	return mgr, sender, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func chunkFor(requestID string, index int, payload []byte, isLast bool) *protocol.Chunk {
	sum := sha256.Sum256(payload)
	return &protocol.Chunk{
		RequestID:  requestID,
		ChunkIndex: index,
		Payload:    payload,
		Checksum:   hex.EncodeToString(sum[:]),
		IsLast:     isLast,
	}
}

// ackFor monta um DownloadAck consistente com data e o chunkSize da config.
func ackFor(requestID string, data []byte, chunkSize int64) *protocol.DownloadAck {
	total := int((int64(len(data)) + chunkSize - 1) / chunkSize)
	if total == 0 {
		total = 1
	}
	sum := sha256.Sum256(data)
	return &protocol.DownloadAck{
		RequestID:    requestID,
		Success:      true,
		FileSize:     int64(len(data)),
		TotalChunks:  total,
		FileChecksum: hex.EncodeToString(sum[:]),
	}
}

// deliverFile entrega o ack e todos os chunks de data, em ordem.
func deliverFile(t *testing.T, mgr *Manager, requestID string, data []byte, chunkSize int64) {
	t.Helper()
	ack := ackFor(requestID, data, chunkSize)
	mgr.HandleInbound("agent-1", ack)

	for i := 0; i < ack.TotalChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		mgr.HandleInbound("agent-1", chunkFor(requestID, i, data[start:end], i == ack.TotalChunks-1))
	}
}

func errorKind(t *testing.T, err error) protocol.ErrorKind {
	t.Helper()
	var te *protocol.TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected *protocol.TransferError, got %T: %v", err, err)
	}
	return te.Kind
}

func TestManager_HappyPath(t *testing.T) {
	mgr, sender, store := newTestManager(t, fastTransferConfig())

	requestID, err := mgr.Start("agent-1", "/var/log/syslog")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	reqs := sender.ofType(protocol.TypeDownloadRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 DOWNLOAD_REQUEST, got %d", len(reqs))
	}
	dr := reqs[0].(protocol.DownloadRequest)
	if dr.RequestID != requestID || dr.FilePath != "/var/log/syslog" {
		t.Errorf("unexpected download request: %+v", dr)
	}

	data := []byte("abcdefghij") // 3 chunks de 4 bytes (4+4+2)
	deliverFile(t, mgr, requestID, data, 4)

	view, err := mgr.Get(requestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Status != StateCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", view.Status, view.Error)
	}
	if view.Progress.Percentage != 100 {
		t.Errorf("expected 100%%, got %f", view.Progress.Percentage)
	}
	if view.Progress.BytesReceived != int64(len(data)) {
		t.Errorf("expected %d bytes, got %d", len(data), view.Progress.BytesReceived)
	}
	if view.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}

	got, err := os.ReadFile(store.FinalPath(requestID))
	if err != nil {
		t.Fatalf("reading committed download: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("committed file mismatch: got %q", got)
	}
	if _, err := os.Stat(store.PartialPath(requestID)); !os.IsNotExist(err) {
		t.Error("expected partial file to be renamed away")
	}
}

func TestManager_OutOfOrderChunks(t *testing.T) {
	mgr, _, store := newTestManager(t, fastTransferConfig())

	requestID, err := mgr.Start("agent-1", "file.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	data := []byte("abcdefghij")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	// Chunks fora de ordem: 2, 0, 1
	mgr.HandleInbound("agent-1", chunkFor(requestID, 2, data[8:], true))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 0, data[0:4], false))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 1, data[4:8], false))

	view, _ := mgr.Get(requestID)
	if view.Status != StateCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", view.Status, view.Error)
	}

	got, err := os.ReadFile(store.FinalPath(requestID))
	if err != nil {
		t.Fatalf("reading committed download: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("reassembled file mismatch: got %q", got)
	}
}

func TestManager_EmptyFile(t *testing.T) {
	mgr, _, store := newTestManager(t, fastTransferConfig())

	requestID, err := mgr.Start("agent-1", "empty.txt")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Arquivo vazio viaja como um único chunk vazio.
	deliverFile(t, mgr, requestID, nil, 4)

	view, _ := mgr.Get(requestID)
	if view.Status != StateCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", view.Status, view.Error)
	}

	info, err := os.Stat(store.FinalPath(requestID))
	if err != nil {
		t.Fatalf("stat committed download: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty file, got %d bytes", info.Size())
	}
}

func TestManager_ChecksumMismatchRecoversViaRetry(t *testing.T) {
	mgr, sender, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcdefghij")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	// Chunk 0 corrompido: checksum não bate com o payload.
	bad := chunkFor(requestID, 0, data[0:4], false)
	bad.Checksum = "deadbeef"
	mgr.HandleInbound("agent-1", bad)

	view, _ := mgr.Get(requestID)
	if view.Status != StateStreaming {
		t.Fatalf("expected streaming after first bad chunk, got %s", view.Status)
	}

	waitFor(t, time.Second, func() bool {
		return sender.countOf(protocol.TypeRetryChunk) == 1
	}, "expected RETRY_CHUNK after backoff")

	retry := sender.ofType(protocol.TypeRetryChunk)[0].(protocol.RetryChunk)
	if retry.ChunkIndex != 0 || retry.RequestID != requestID {
		t.Errorf("unexpected retry: %+v", retry)
	}

	// Retransmissão correta recupera a sessão.
	mgr.HandleInbound("agent-1", chunkFor(requestID, 0, data[0:4], false))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 1, data[4:8], false))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 2, data[8:], true))

	view, _ = mgr.Get(requestID)
	if view.Status != StateCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", view.Status, view.Error)
	}
	if view.RetryStats.TotalRetries != 1 {
		t.Errorf("expected 1 retry, got %d", view.RetryStats.TotalRetries)
	}
	if view.RetryStats.PerChunkRetries[0] != 1 {
		t.Errorf("expected perChunkRetries[0]=1, got %v", view.RetryStats.PerChunkRetries)
	}
}

func TestManager_RetryBudgetExhausted(t *testing.T) {
	mgr, sender, store := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcd")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	bad := chunkFor(requestID, 0, data, true)
	bad.Checksum = "deadbeef"

	// Três falhas consumem o budget; cada uma agenda um RETRY_CHUNK.
	for attempt := 1; attempt <= 3; attempt++ {
		mgr.HandleInbound("agent-1", bad)
		waitFor(t, time.Second, func() bool {
			return sender.countOf(protocol.TypeRetryChunk) == attempt
		}, "expected retry to fire")
	}

	// A quarta falha estoura o budget: failed, sem um quarto retry.
	mgr.HandleInbound("agent-1", bad)

	view, _ := mgr.Get(requestID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Code != protocol.KindChunkChecksumFailed {
		t.Fatalf("expected CHUNK_CHECKSUM_FAILED, got %+v", view.Error)
	}

	time.Sleep(100 * time.Millisecond)
	if n := sender.countOf(protocol.TypeRetryChunk); n != 3 {
		t.Errorf("expected exactly 3 retries, got %d", n)
	}

	if _, err := os.Stat(store.PartialPath(requestID)); !os.IsNotExist(err) {
		t.Error("expected partial file to be removed on failure")
	}
}

func TestManager_RetryWatchdogFailsSilentPeer(t *testing.T) {
	mgr, sender, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcd")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	bad := chunkFor(requestID, 0, data, true)
	bad.Checksum = "deadbeef"

	for attempt := 1; attempt <= 3; attempt++ {
		mgr.HandleInbound("agent-1", bad)
		waitFor(t, time.Second, func() bool {
			return sender.countOf(protocol.TypeRetryChunk) == attempt
		}, "expected retry to fire")
	}

	// O peer nunca responde ao último retry: o watchdog falha a sessão.
	waitFor(t, 2*time.Second, func() bool {
		view, _ := mgr.Get(requestID)
		return view.Status == StateFailed
	}, "expected session to fail after silent peer")

	view, _ := mgr.Get(requestID)
	if view.Error == nil || view.Error.Code != protocol.KindChunkTransferFailed {
		t.Fatalf("expected CHUNK_TRANSFER_FAILED, got %+v", view.Error)
	}
}

func TestManager_Cancel(t *testing.T) {
	mgr, sender, store := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcdefghij")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 0, data[0:4], false))

	if err := mgr.Cancel(requestID, "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	view, _ := mgr.Get(requestID)
	if view.Status != StateCancelled {
		t.Fatalf("expected cancelled, got %s", view.Status)
	}

	cancels := sender.ofType(protocol.TypeCancelDownload)
	if len(cancels) != 1 {
		t.Fatalf("expected 1 CANCEL_DOWNLOAD, got %d", len(cancels))
	}
	cd := cancels[0].(protocol.CancelDownload)
	if cd.RequestID != requestID || cd.Reason != "operator request" {
		t.Errorf("unexpected cancel: %+v", cd)
	}

	if _, err := os.Stat(store.PartialPath(requestID)); !os.IsNotExist(err) {
		t.Error("expected partial file to be removed on cancel")
	}

	// Cancelar de novo é conflito: a sessão já é terminal.
	err := mgr.Cancel(requestID, "again")
	if kind := errorKind(t, err); kind != protocol.KindDownloadInProgress {
		t.Errorf("expected DOWNLOAD_IN_PROGRESS on double cancel, got %s", kind)
	}

	// Chunk atrasado depois do cancel é descartado em silêncio.
	before := sender.countOf(protocol.TypeError)
	mgr.HandleInbound("agent-1", chunkFor(requestID, 1, data[4:8], false))
	if after := sender.countOf(protocol.TypeError); after != before {
		t.Error("late chunk after cancel should be dropped silently")
	}
}

func TestManager_PeerCancel(t *testing.T) {
	mgr, sender, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	mgr.HandleInbound("agent-1", ackFor(requestID, []byte("abcd"), 4))

	mgr.HandleInbound("agent-1", &protocol.CancelDownload{RequestID: requestID, Reason: "local shutdown"})

	view, _ := mgr.Get(requestID)
	if view.Status != StateCancelled {
		t.Fatalf("expected cancelled, got %s", view.Status)
	}

	// Quem cancelou foi o peer: o server não ecoa CANCEL_DOWNLOAD de volta.
	if n := sender.countOf(protocol.TypeCancelDownload); n != 0 {
		t.Errorf("expected no CANCEL_DOWNLOAD echo, got %d", n)
	}
}

func TestManager_DuplicateDownloadRejected(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	first, err := mgr.Start("agent-1", "file.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = mgr.Start("agent-1", "file.bin")
	var te *protocol.TransferError
	if !errors.As(err, &te) || te.Kind != protocol.KindDownloadInProgress {
		t.Fatalf("expected DOWNLOAD_IN_PROGRESS, got %v", err)
	}
	if te.Details["requestId"] != first {
		t.Errorf("expected conflicting requestId %s in details, got %v", first, te.Details)
	}

	// Outro arquivo do mesmo client é permitido.
	if _, err := mgr.Start("agent-1", "other.bin"); err != nil {
		t.Errorf("expected concurrent download of another file to be allowed: %v", err)
	}
}

func TestManager_StartValidation(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	_, err := mgr.Start("ghost", "file.bin")
	if kind := errorKind(t, err); kind != protocol.KindClientNotConnected {
		t.Errorf("expected CLIENT_NOT_CONNECTED, got %s", kind)
	}

	_, err = mgr.Start("agent-1", "")
	if kind := errorKind(t, err); kind != protocol.KindInvalidRequest {
		t.Errorf("expected INVALID_REQUEST for empty filePath, got %s", kind)
	}
}

func TestManager_AckTimeout(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")

	waitFor(t, 2*time.Second, func() bool {
		view, _ := mgr.Get(requestID)
		return view.Status == StateFailed
	}, "expected session to fail on ack timeout")

	view, _ := mgr.Get(requestID)
	if view.Error == nil || view.Error.Code != protocol.KindDownloadTimeout {
		t.Fatalf("expected DOWNLOAD_TIMEOUT, got %+v", view.Error)
	}
}

func TestManager_SessionDeadline(t *testing.T) {
	cfg := fastTransferConfig()
	cfg.DownloadTimeout = 200 * time.Millisecond
	mgr, sender, _ := newTestManager(t, cfg)

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcdefghij")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 0, data[0:4], false))
	// Os demais chunks nunca chegam.

	waitFor(t, 2*time.Second, func() bool {
		view, _ := mgr.Get(requestID)
		return view.Status == StateFailed
	}, "expected session to fail on deadline")

	view, _ := mgr.Get(requestID)
	if view.Error == nil || view.Error.Code != protocol.KindDownloadTimeout {
		t.Fatalf("expected DOWNLOAD_TIMEOUT, got %+v", view.Error)
	}
	if n := sender.countOf(protocol.TypeCancelDownload); n != 1 {
		t.Errorf("expected CANCEL_DOWNLOAD to peer on deadline, got %d", n)
	}
}

func TestManager_PeerDisconnectFailsSessions(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	mgr.HandleInbound("agent-1", ackFor(requestID, []byte("abcd"), 4))

	mgr.PeerDisconnected("agent-1")

	view, _ := mgr.Get(requestID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Code != protocol.KindClientNotConnected {
		t.Fatalf("expected CLIENT_NOT_CONNECTED, got %+v", view.Error)
	}
}

func TestManager_PeerRejectsDownload(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "nope.bin")
	mgr.HandleInbound("agent-1", &protocol.DownloadAck{
		RequestID: requestID,
		Success:   false,
		Message:   "file not accessible: no such file",
	})

	view, _ := mgr.Get(requestID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Code != protocol.KindFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND, got %+v", view.Error)
	}
	if view.Error.Message != "file not accessible: no such file" {
		t.Errorf("expected peer message to be preserved, got %q", view.Error.Message)
	}
}

func TestManager_MalformedAckDimensions(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")

	// 10 bytes em chunks de 4 exigem 3 chunks, não 7.
	mgr.HandleInbound("agent-1", &protocol.DownloadAck{
		RequestID:    requestID,
		Success:      true,
		FileSize:     10,
		TotalChunks:  7,
		FileChecksum: "aa",
	})

	view, _ := mgr.Get(requestID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Code != protocol.KindInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %+v", view.Error)
	}
}

func TestManager_OutOfRangeChunkConsumesBudget(t *testing.T) {
	mgr, sender, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcd")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	// Índices fora de [0,1) reportam erro e consomem o budget de retries.
	for i := 0; i < 3; i++ {
		mgr.HandleInbound("agent-1", chunkFor(requestID, 5, data, false))
		view, _ := mgr.Get(requestID)
		if view.Status.Terminal() {
			t.Fatalf("session should survive violation %d, got %s", i+1, view.Status)
		}
	}
	if n := sender.countOf(protocol.TypeError); n != 3 {
		t.Errorf("expected 3 ERROR messages, got %d", n)
	}

	mgr.HandleInbound("agent-1", chunkFor(requestID, 5, data, false))
	view, _ := mgr.Get(requestID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed after budget, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Code != protocol.KindChunkTransferFailed {
		t.Fatalf("expected CHUNK_TRANSFER_FAILED, got %+v", view.Error)
	}
}

func TestManager_IllSizedChunkRejectedWithoutTouchingBuffer(t *testing.T) {
	mgr, sender, store := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcdefghij")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	mgr.HandleInbound("agent-1", chunkFor(requestID, 0, data[0:4], false))

	// Chunk 1 com 6 bytes e checksum válido do payload errado: escreveria
	// por cima do início do chunk 2. Tem que ser rejeitado na entrada.
	mgr.HandleInbound("agent-1", chunkFor(requestID, 1, data[4:10], false))

	view, _ := mgr.Get(requestID)
	if view.Status.Terminal() {
		t.Fatalf("session should survive a single ill-sized chunk, got %s", view.Status)
	}
	if view.Progress.BytesReceived != 4 {
		t.Errorf("ill-sized chunk must not count as verified bytes, got %d", view.Progress.BytesReceived)
	}

	errs := sender.ofType(protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 ERROR for ill-sized chunk, got %d", len(errs))
	}
	em := errs[0].(*protocol.ErrorMessage)
	if em.Code != protocol.KindChunkTransferFailed {
		t.Errorf("expected CHUNK_TRANSFER_FAILED, got %s", em.Code)
	}

	// A retransmissão com o tamanho certo recupera a sessão intacta.
	mgr.HandleInbound("agent-1", chunkFor(requestID, 1, data[4:8], false))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 2, data[8:], true))

	view, _ = mgr.Get(requestID)
	if view.Status != StateCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", view.Status, view.Error)
	}
	got, err := os.ReadFile(store.FinalPath(requestID))
	if err != nil {
		t.Fatalf("reading committed download: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("committed file corrupted by ill-sized chunk: got %q", got)
	}
}

func TestManager_IllSizedLastChunkConsumesBudget(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcdefghij")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	// O último chunk carrega o resto do arquivo (2 bytes); entregas com o
	// chunk cheio consomem o mesmo budget dos índices fora de range.
	padded := append(append([]byte{}, data[8:]...), 'x', 'y')
	for i := 0; i < 3; i++ {
		mgr.HandleInbound("agent-1", chunkFor(requestID, 2, padded, true))
		view, _ := mgr.Get(requestID)
		if view.Status.Terminal() {
			t.Fatalf("session should survive violation %d, got %s", i+1, view.Status)
		}
	}

	mgr.HandleInbound("agent-1", chunkFor(requestID, 2, padded, true))
	view, _ := mgr.Get(requestID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed after budget, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Code != protocol.KindChunkTransferFailed {
		t.Fatalf("expected CHUNK_TRANSFER_FAILED, got %+v", view.Error)
	}
}

func TestManager_DuplicateVerifiedChunkIgnored(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcdefgh")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	mgr.HandleInbound("agent-1", chunkFor(requestID, 0, data[0:4], false))
	// Entrega duplicada do chunk 0: idempotente, não infla os contadores.
	mgr.HandleInbound("agent-1", chunkFor(requestID, 0, data[0:4], false))
	mgr.HandleInbound("agent-1", chunkFor(requestID, 1, data[4:8], true))

	view, _ := mgr.Get(requestID)
	if view.Status != StateCompleted {
		t.Fatalf("expected completed, got %s (error: %+v)", view.Status, view.Error)
	}
	if view.Progress.BytesReceived != int64(len(data)) {
		t.Errorf("duplicate chunk inflated byte count: %d", view.Progress.BytesReceived)
	}
	if view.RetryStats.TotalRetries != 0 {
		t.Errorf("duplicate chunk counted as retry: %d", view.RetryStats.TotalRetries)
	}
}

func TestManager_ChunkFromWrongClientRejected(t *testing.T) {
	mgr, sender, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	data := []byte("abcd")
	mgr.HandleInbound("agent-1", ackFor(requestID, data, 4))

	mgr.HandleInbound("agent-2", chunkFor(requestID, 0, data, true))

	view, _ := mgr.Get(requestID)
	if view.Status != StateAcknowledged {
		t.Fatalf("chunk from wrong client must not advance session, got %s", view.Status)
	}
	if n := sender.countOf(protocol.TypeError); n != 1 {
		t.Errorf("expected 1 ERROR for wrong client, got %d", n)
	}
}

func TestManager_PeerErrorFailsSession(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	requestID, _ := mgr.Start("agent-1", "file.bin")
	mgr.HandleInbound("agent-1", &protocol.ErrorMessage{
		Code:    protocol.KindFileReadError,
		Message: "disk read failed",
		Details: map[string]any{"requestId": requestID},
	})

	view, _ := mgr.Get(requestID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Code != protocol.KindFileReadError {
		t.Fatalf("expected FILE_READ_ERROR, got %+v", view.Error)
	}
}

func TestManager_GetAndCancelUnknownSession(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	_, err := mgr.Get("nope")
	if kind := errorKind(t, err); kind != protocol.KindFileNotFound {
		t.Errorf("expected FILE_NOT_FOUND on unknown Get, got %s", kind)
	}

	err = mgr.Cancel("nope", "x")
	if kind := errorKind(t, err); kind != protocol.KindFileNotFound {
		t.Errorf("expected FILE_NOT_FOUND on unknown Cancel, got %s", kind)
	}
}

func TestManager_ListFiltersByStatus(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())

	first, _ := mgr.Start("agent-1", "a.bin")
	second, _ := mgr.Start("agent-1", "b.bin")
	mgr.Cancel(second, "test")

	all := mgr.List("")
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	requested := mgr.List("requested")
	if len(requested) != 1 || requested[0].RequestID != first {
		t.Errorf("expected only %s in requested filter, got %+v", first, requested)
	}

	cancelled := mgr.List("cancelled")
	if len(cancelled) != 1 || cancelled[0].RequestID != second {
		t.Errorf("expected only %s in cancelled filter, got %+v", second, cancelled)
	}
}

func TestManager_RetentionEvictsTerminalSessions(t *testing.T) {
	cfg := fastTransferConfig()
	cfg.RetentionWindow = 50 * time.Millisecond
	mgr, _, _ := newTestManager(t, cfg)

	requestID, _ := mgr.Start("agent-1", "file.bin")
	mgr.Cancel(requestID, "test")

	waitFor(t, 2*time.Second, func() bool {
		return mgr.SessionCount() == 0
	}, "expected terminal session to be evicted after retention window")

	if _, err := mgr.Get(requestID); err == nil {
		t.Error("expected evicted session to be unknown")
	}
}

func TestManager_SessionLogRetainedOnFailureRemovedOnSuccess(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastTransferConfig())
	logDir := t.TempDir()
	mgr.SetSessionLogDir(logDir)

	// Transferência rejeitada pelo peer: o log de sessão fica retido.
	failedID, err := mgr.Start("agent-1", "missing.bin")
	if err != nil {
		t.Fatalf("starting transfer: %v", err)
	}
	failedLog := filepath.Join(logDir, "agent-1", failedID+".log")
	if _, err := os.Stat(failedLog); err != nil {
		t.Fatalf("expected session log file at %s: %v", failedLog, err)
	}

	mgr.HandleInbound("agent-1", &protocol.DownloadAck{
		RequestID: failedID, Success: false, Message: "file not found",
	})

	view, _ := mgr.Get(failedID)
	if view.Status != StateFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	data, err := os.ReadFile(failedLog)
	if err != nil {
		t.Fatalf("expected failed session log to be retained: %v", err)
	}
	if !strings.Contains(string(data), "transfer requested") {
		t.Errorf("session log missing transfer start entry: %s", data)
	}
	if !strings.Contains(string(data), "transfer failed") {
		t.Errorf("session log missing failure entry: %s", data)
	}

	// Transferência completed: o log de sessão é removido.
	okID, err := mgr.Start("agent-1", "ok.bin")
	if err != nil {
		t.Fatalf("starting transfer: %v", err)
	}
	deliverFile(t, mgr, okID, []byte("abcdefgh"), 4)

	view, _ = mgr.Get(okID)
	if view.Status != StateCompleted {
		t.Fatalf("expected completed, got %s", view.Status)
	}
	okLog := filepath.Join(logDir, "agent-1", okID+".log")
	if _, err := os.Stat(okLog); !os.IsNotExist(err) {
		t.Errorf("expected completed session log to be removed, stat err: %v", err)
	}
}
