// Package upload implements the Reliable Upload Engine: a chunked,
// selective-ACK firmware push driven through the Egress Dispatcher.
package upload

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/groundctl/radiolink/internal/egress"
	"github.com/groundctl/radiolink/internal/envelope"
	"github.com/groundctl/radiolink/internal/logctx"
)

// State is a stage in the upload state machine.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateUploading
	StateDone
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateUploading:
		return "uploading"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ChunkSize is the fixed chunk payload size in bytes.
const ChunkSize = 1100

// CancelFileBlockIndex is the file_block_index sentinel a cancel frame
// carries.
const CancelFileBlockIndex = math.MaxUint32

const (
	defaultAckEveryN       = 4
	defaultRetriesPerSeg   = 10
	initialReplyTimeout    = 100 * time.Millisecond
	replyTimeoutStep       = 50 * time.Millisecond
	maxReplyTimeout        = 500 * time.Millisecond
	maxResendsPerChunk     = 15
	nonAckResendGap        = 2 * time.Millisecond
	cancelFrameCount       = 5
	cancelFrameGap         = 20 * time.Millisecond
	progressCallbackPeriod = 100 * time.Millisecond
)

// Chunk is one slice of the firmware image.
type Chunk struct {
	FileBlockIndex uint32
	Bytes          []byte
	IsLast         bool
}

// AckResult is what the vehicle's reply to an ACK-required chunk reports.
type AckResult int

const (
	AckPending AckResult = iota
	AckAccepted
	AckRejected
)

// InboundACKs is the collaborator the upload engine polls for ACK replies,
// matching by file_block_index.
type InboundACKs interface {
	// Poll checks whether a reply for fileBlockIndex has arrived within
	// timeout and reports its outcome; AckPending means no reply yet.
	Poll(ctx context.Context, fileBlockIndex uint32, timeout time.Duration) AckResult
}

// CancelRequested is polled between every send and every ACK wait.
type CancelRequested func() bool

// ProgressFunc is invoked roughly every progressCallbackPeriod with the
// number of bytes sent so far, counted as the next chunk index times
// ChunkSize (so it includes one-way chunks that are never acknowledged).
type ProgressFunc func(sentBytes, totalBytes int)

// CompletionFunc is invoked exactly once when the job reaches a terminal
// state.
type CompletionFunc func(state State, err error)

// RouterNotifier tells the router/command layer the update started or
// stopped, mirroring the vehicle-facing command channel the original
// controller uses to suppress conflicting operations mid-upload.
type RouterNotifier interface {
	NotifyUpdateStarted()
	NotifyUpdateStopped()
}

// Job is one in-flight firmware upload. It owns its chunk list and pacing
// state for its lifetime; it is destroyed on success, fatal error, or
// cancel.
type Job struct {
	log       *logctx.Logger
	tsFormat  *logctx.TimestampFormatter
	dispatch  *egress.Dispatcher
	acks      InboundACKs
	router    RouterNotifier
	state     *egress.State
	localLink int

	archiveDir string
	markerDir  string
	updateType uint32

	mu               sync.Mutex
	chunks           []Chunk
	totalSize        int
	lastAckedIndex   int32 // -1 means none yet
	retriesRemaining int
	ackEveryN        int
	current          State

	cancel      CancelRequested
	onProgress  ProgressFunc
	onComplete  CompletionFunc
}

// NewJob builds a job targeting one specific local link (uploads are
// single-path). archiveDir/markerDir name where the last-known-archive file
// and the update-info marker file are written; callers pass configured
// paths, the engine never invents its own. tsFormat stamps the job's log
// lines; a nil tsFormat falls back to RFC3339.
func NewJob(log *logctx.Logger, tsFormat *logctx.TimestampFormatter, dispatch *egress.Dispatcher, acks InboundACKs, router RouterNotifier, state *egress.State, localLink int, archiveDir, markerDir string, updateType uint32) *Job {
	return &Job{
		log:              log,
		tsFormat:         tsFormat,
		dispatch:         dispatch,
		acks:             acks,
		router:           router,
		state:            state,
		localLink:        localLink,
		archiveDir:       archiveDir,
		markerDir:        markerDir,
		updateType:       updateType,
		lastAckedIndex:   -1,
		retriesRemaining: defaultRetriesPerSeg,
		ackEveryN:        defaultAckEveryN,
		current:          StateIdle,
	}
}

// stamp renders now through the job's configured timestamp format, for
// inclusion as a log field alongside charmbracelet/log's own timestamp
// column.
func (j *Job) stamp(now time.Time) string {
	return j.tsFormat.Format(now)
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.current = s
	j.mu.Unlock()
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}

// Build stands in for the archiver step (out of scope here): the caller
// supplies the finished image as payload. Build writes the archive/marker
// files on the calling goroutine, then chunks the image.
func (j *Job) Build(ctx context.Context, payload []byte, archiveName, markerName string) error {
	j.setState(StateBuilding)
	j.state.SetUpdateInProgress(true)
	if j.log != nil {
		j.log.Info("upload build started", "at", j.stamp(time.Now()), "archive", archiveName, "bytes", len(payload))
	}

	if err := j.writeArchive(payload, archiveName, markerName); err != nil {
		j.setState(StateFailed)
		j.state.SetUpdateInProgress(false)
		if j.log != nil {
			j.log.Error("upload build failed", "at", j.stamp(time.Now()), "err", err)
		}
		return err
	}

	j.mu.Lock()
	j.chunks = chunkify(payload)
	j.totalSize = len(payload)
	j.mu.Unlock()

	j.router.NotifyUpdateStarted()
	return nil
}

func (j *Job) writeArchive(payload []byte, archiveName, markerName string) error {
	if j.archiveDir != "" {
		if err := os.WriteFile(filepath.Join(j.archiveDir, archiveName), payload, 0o644); err != nil {
			return err
		}
	}
	if j.markerDir != "" {
		marker := []byte(archiveName + "\n")
		if err := os.WriteFile(filepath.Join(j.markerDir, markerName), marker, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func chunkify(payload []byte) []Chunk {
	n := (len(payload) + ChunkSize - 1) / ChunkSize
	if n == 0 {
		n = 1
	}
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			FileBlockIndex: uint32(i),
			Bytes:          payload[start:end],
			IsLast:         i == n-1,
		})
	}
	return chunks
}

// Run drives the UPLOADING state to completion, calling onProgress and
// onComplete along the way. It blocks until the job reaches a terminal
// state.
func (j *Job) Run(ctx context.Context, cancel CancelRequested, onProgress ProgressFunc, onComplete CompletionFunc) {
	j.cancel = cancel
	j.onProgress = onProgress
	j.onComplete = onComplete
	j.setState(StateUploading)

	lastProgress := time.Now()
	nextIndex := uint32(0)

	for {
		if j.cancel != nil && j.cancel() {
			j.doCancel(ctx)
			return
		}

		j.mu.Lock()
		if int(nextIndex) >= len(j.chunks) {
			j.mu.Unlock()
			j.finish(StateDone, nil)
			return
		}
		chunk := j.chunks[nextIndex]
		ackEveryN := j.ackEveryN
		j.mu.Unlock()

		// Block 0 is excluded from the "every Nth block" cadence: read
		// literally, 0 % N == 0 for every N, which would force an ACK on
		// the very first chunk regardless of ack_every_n. See the "Selective
		// ACK cadence excludes block 0" entry in DESIGN.md's Open Question
		// resolutions for why this reading, not the literal formula, is the
		// one implemented.
		requiresAck := chunk.IsLast || (chunk.FileBlockIndex != 0 && chunk.FileBlockIndex%uint32(ackEveryN) == 0)

		if !requiresAck {
			j.sendChunk(ctx, chunk)
			time.Sleep(nonAckResendGap)
			j.sendChunk(ctx, chunk)
			nextIndex++
		} else {
			ok, err := j.sendWithAck(ctx, chunk)
			if err == errCanceled {
				j.doCancel(ctx)
				return
			}
			if err != nil {
				j.finish(StateFailed, err)
				return
			}
			if !ok {
				j.mu.Lock()
				j.retriesRemaining--
				exhausted := j.retriesRemaining <= 0
				if exhausted {
					j.ackEveryN = halve(j.ackEveryN)
					j.retriesRemaining = defaultRetriesPerSeg
				}
				nextIndex = uint32(j.lastAckedIndex + 1)
				j.mu.Unlock()
				if exhausted {
					j.finish(StateFailed, errAckExhausted)
					return
				}
				if j.log != nil {
					j.log.Warn("ack rejected, rewinding", "at", j.stamp(time.Now()), "rewind_to", nextIndex, "ack_every_n", j.ackEveryN)
				}
				continue
			}

			j.mu.Lock()
			j.lastAckedIndex = int32(chunk.FileBlockIndex)
			j.retriesRemaining = defaultRetriesPerSeg
			j.mu.Unlock()
			nextIndex++
		}

		if time.Since(lastProgress) >= progressCallbackPeriod && j.onProgress != nil {
			j.mu.Lock()
			sent := int(nextIndex) * ChunkSize
			total := j.totalSize
			j.mu.Unlock()
			j.onProgress(sent, total)
			lastProgress = time.Now()
		}
	}
}

func halve(n int) int {
	n /= 2
	if n < 1 {
		return 1
	}
	return n
}

var errAckExhausted = &uploadError{"ack retries exhausted"}

type uploadError struct{ msg string }

func (e *uploadError) Error() string { return e.msg }

func (j *Job) sendChunk(ctx context.Context, chunk Chunk) {
	buf := encodeUploadFrame(j.updateType, uint32(j.totalSize), chunk.FileBlockIndex, chunk.IsLast, chunk.Bytes)
	h := envelope.Header{
		TotalLength: uint16(envelope.HeaderSize + len(buf)),
		Type:        envelope.PacketUploadSW,
	}
	_, _ = j.dispatch.Send(ctx, envelope.EncodeSubPacket(h, buf, 0), j.localLink)
}

// sendWithAck sends chunk and waits for its ACK, resending on timeout with
// the escalating reply timer.
func (j *Job) sendWithAck(ctx context.Context, chunk Chunk) (bool, error) {
	timeout := initialReplyTimeout
	for attempt := 0; attempt <= maxResendsPerChunk; attempt++ {
		if j.cancel != nil && j.cancel() {
			return false, errCanceled
		}
		j.sendChunk(ctx, chunk)

		result := j.acks.Poll(ctx, chunk.FileBlockIndex, timeout)
		switch result {
		case AckAccepted:
			return true, nil
		case AckRejected:
			return false, nil
		case AckPending:
			timeout += replyTimeoutStep
			if timeout > maxReplyTimeout {
				timeout = maxReplyTimeout
			}
		}
	}
	return false, errAckExhausted
}

var errCanceled = &uploadError{"canceled"}

func (j *Job) doCancel(ctx context.Context) {
	if j.log != nil {
		j.log.Info("upload canceled", "at", j.stamp(time.Now()))
	}
	cancelFrame := encodeUploadFrame(j.updateType, 0, CancelFileBlockIndex, true, nil)
	h := envelope.Header{Type: envelope.PacketUploadSW}
	h.TotalLength = uint16(envelope.HeaderSize + len(cancelFrame))
	for i := 0; i < cancelFrameCount; i++ {
		_, _ = j.dispatch.Send(ctx, envelope.EncodeSubPacket(h, cancelFrame, 0), j.localLink)
		time.Sleep(cancelFrameGap)
	}
	j.finish(StateCanceled, nil)
}

func (j *Job) finish(state State, err error) {
	j.setState(state)
	j.mu.Lock()
	j.chunks = nil // release the chunk buffers at termination
	j.mu.Unlock()
	j.state.SetUpdateInProgress(false)
	j.router.NotifyUpdateStopped()
	if j.log != nil {
		if err != nil {
			j.log.Error("upload finished", "at", j.stamp(time.Now()), "state", state, "err", err)
		} else {
			j.log.Info("upload finished", "at", j.stamp(time.Now()), "state", state)
		}
	}
	if j.onComplete != nil {
		j.onComplete(state, err)
	}
}

// encodeUploadFrame renders a command_packet_sw_package: {type, total_size,
// file_block_index, is_last_block, block_length} followed by block_length
// payload bytes.
func encodeUploadFrame(updateType, totalSize, fileBlockIndex uint32, isLast bool, block []byte) []byte {
	buf := make([]byte, 4+4+4+1+4+len(block))
	binary.LittleEndian.PutUint32(buf[0:4], updateType)
	binary.LittleEndian.PutUint32(buf[4:8], totalSize)
	binary.LittleEndian.PutUint32(buf[8:12], fileBlockIndex)
	if isLast {
		buf[12] = 1
	}
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(block)))
	copy(buf[17:], block)
	return buf
}
