// Package pipeline forks the pty-mode subprocess output into a
// UI-facing display stream (escape codes preserved) and a log-facing
// file stream (escape codes stripped), batching both into bounded
// events per spec.md §4.D.
package pipeline

import "ralph/internal/logx"

// DisplaySink receives a batched display-stream event.
type DisplaySink func(Event)

// Pipeline wires raw subprocess output into the display and file
// streams. Its stripper state and batchers carry over between Write
// calls, so one Pipeline can serve every subprocess run of a process
// (cmd/ralph creates one per run of the binary).
type Pipeline struct {
	stripper     *Stripper
	displayBatch *Batcher
	fileBatch    *Batcher
	logWriter    *LogWriter
	broadcaster  *Broadcaster
	logger       *logx.Logger
}

// Options configures a Pipeline.
type Options struct {
	// LogPath, if non-empty, buffers stripped output to this file via a
	// LogWriter. If empty, the file stream is discarded after stripping
	// (useful for tests or callers who only want the display stream).
	LogPath string

	// OnDisplay receives batched display-stream events (raw, with
	// escape codes). May be nil.
	OnDisplay DisplaySink

	// Broadcaster, if set, additionally fans raw display-stream chunks
	// out to attached websocket clients as they arrive, independent of
	// the display batcher's flush cadence.
	Broadcaster *Broadcaster
}

// New creates a Pipeline. Callers feed it raw subprocess bytes via
// Write and must call Close once they are done with it to flush and
// release buffered events.
func New(opts Options) (*Pipeline, error) {
	p := &Pipeline{
		stripper:    NewStripper(),
		broadcaster: opts.Broadcaster,
		logger:      logx.NewLogger("pipeline"),
	}

	if opts.LogPath != "" {
		lw, err := NewLogWriter(opts.LogPath)
		if err != nil {
			return nil, err
		}
		p.logWriter = lw
	}

	// Only data events reach the log file; exit and error payloads are
	// not subprocess output.
	p.fileBatch = NewBatcher(func(ev Event) {
		if p.logWriter != nil && ev.Type == EventData {
			p.logWriter.Write(ev.Data)
		}
	})

	onDisplay := opts.OnDisplay
	p.displayBatch = NewBatcher(func(ev Event) {
		if onDisplay != nil {
			onDisplay(ev)
		}
	})

	return p, nil
}

// Write forks one chunk of raw subprocess output into both streams.
func (p *Pipeline) Write(raw []byte) {
	if p.broadcaster != nil {
		p.broadcaster.Broadcast(raw)
	}

	plain, sawEscape := p.stripper.Strip(raw)
	p.displayBatch.Write(raw, sawEscape)

	if len(plain) > 0 {
		p.fileBatch.Write(plain, sawEscape)
	}
}

// Exit signals subprocess exit, forcing an immediate flush of both
// streams followed by an exit event.
func (p *Pipeline) Exit(payload []byte) {
	p.displayBatch.Event(EventExit, payload)
	p.fileBatch.Event(EventExit, payload)
}

// Error signals a pipeline-level error (e.g. a read failure), forcing
// an immediate flush followed by an error event.
func (p *Pipeline) Error(payload []byte) {
	p.displayBatch.Event(EventError, payload)
	p.fileBatch.Event(EventError, payload)
}

// Close flushes and releases both batchers and the log writer.
func (p *Pipeline) Close() error {
	p.displayBatch.Close()
	p.fileBatch.Close()
	if p.logWriter != nil {
		return p.logWriter.Close()
	}
	return nil
}
