package streamzip

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// DataProcessor is a push-style streaming transform: callers push input
// incrementally, signal Finish when there is no more, and pull output
// whenever it is available. Implementations must honor the contract in §4.3:
// Pull returns (nil, false, nil) when more input is needed to produce
// output, and (nil, true, nil) only after every buffered output byte has
// already been returned by an earlier Pull; once done, every later Pull
// returns (nil, true, nil) again. An empty, non-done Pull must
// never be mistaken for end-of-stream.
type DataProcessor interface {
	// Push feeds compressed (decompression) or uncompressed (compression)
	// input incrementally. It never blocks.
	Push(p []byte) error
	// Finish signals that no more input will be pushed.
	Finish() error
	// Pull returns the next chunk of produced output, if any, and whether
	// the processor is done (no further output will ever be produced).
	Pull() (out []byte, done bool, err error)
}

// DecompressorFactory constructs a DataProcessor that turns compressed bytes
// pushed to it into uncompressed output.
type DecompressorFactory func() DataProcessor

// CompressorFactory constructs a DataProcessor that turns uncompressed bytes
// pushed to it into compressed output.
type CompressorFactory func() DataProcessor

// CompressionRegistry maps a numeric compression method to the processor
// constructors that implement it, for both directions. The zero value is not
// usable; construct one with NewCompressionRegistry.
type CompressionRegistry struct {
	decompressors map[uint16]DecompressorFactory
	compressors   map[uint16]CompressorFactory
}

// NewCompressionRegistry returns a registry pre-populated with the default
// methods: Store (identity) and Deflate, backed by
// github.com/klauspost/compress/flate rather than the standard library's
// compress/flate, because the latter's documentation warns it "may read
// bytes beyond the end of the DEFLATE stream" -- unacceptable when callers
// are handing us bounded, possibly page-aligned chunks of a remote archive.
func NewCompressionRegistry() *CompressionRegistry {
	r := &CompressionRegistry{
		decompressors: make(map[uint16]DecompressorFactory),
		compressors:   make(map[uint16]CompressorFactory),
	}
	r.RegisterDecompressor(Store, func() DataProcessor { return newStoreProcessor() })
	r.RegisterCompressor(Store, func() DataProcessor { return newStoreProcessor() })
	r.RegisterDecompressor(Deflate, func() DataProcessor { return newInflateProcessor() })
	r.RegisterCompressor(Deflate, func() DataProcessor { return newDeflateProcessor() })
	return r
}

// RegisterDecompressor registers a read-side processor constructor for method.
func (r *CompressionRegistry) RegisterDecompressor(method uint16, f DecompressorFactory) {
	r.decompressors[method] = f
}

// RegisterCompressor registers a write-side processor constructor for method.
func (r *CompressionRegistry) RegisterCompressor(method uint16, f CompressorFactory) {
	r.compressors[method] = f
}

// Decompressor constructs a fresh read-side processor for method, or reports
// that none is registered (KindUnsupportedMethod, per §7).
func (r *CompressionRegistry) Decompressor(method uint16) (DataProcessor, error) {
	f, ok := r.decompressors[method]
	if !ok {
		return nil, newError(KindUnsupportedMethod, "CompressionRegistry.Decompressor", nil)
	}
	return f(), nil
}

// Compressor constructs a fresh write-side processor for method, or reports
// that none is registered.
func (r *CompressionRegistry) Compressor(method uint16) (DataProcessor, error) {
	f, ok := r.compressors[method]
	if !ok {
		return nil, newError(KindUnsupportedMethod, "CompressionRegistry.Compressor", nil)
	}
	return f(), nil
}

// storeProcessor implements Store (method 0): a FIFO byte queue with no
// transformation, used for both directions.
type storeProcessor struct {
	buf      bytes.Buffer
	finished bool
}

func newStoreProcessor() *storeProcessor {
	return &storeProcessor{}
}

func (p *storeProcessor) Push(b []byte) error {
	p.buf.Write(b)
	return nil
}

func (p *storeProcessor) Finish() error {
	p.finished = true
	return nil
}

func (p *storeProcessor) Pull() ([]byte, bool, error) {
	if p.buf.Len() > 0 {
		out := p.buf.Bytes()
		p.buf.Reset()
		return out, false, nil
	}
	return nil, p.finished, nil
}

// deflateWriterPool recycles klauspost/compress/flate writers the same way
// zhyee/zipstream recycles its readers, to avoid reallocating Huffman tables
// per entry.
var deflateWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := flate.NewWriter(io.Discard, flate.DefaultCompression)
		return w
	},
}

// deflateProcessor compresses pushed bytes with raw DEFLATE. Because
// flate.Writer.Write is itself push-style (it buffers until it has enough to
// emit a block, or Flush/Close is called), no background goroutine is
// needed for the write direction.
type deflateProcessor struct {
	sink     bytes.Buffer
	fw       *flate.Writer
	finished bool
}

func newDeflateProcessor() *deflateProcessor {
	p := &deflateProcessor{}
	fw := deflateWriterPool.Get().(*flate.Writer)
	fw.Reset(&p.sink)
	p.fw = fw
	return p
}

func (p *deflateProcessor) Push(b []byte) error {
	if _, err := p.fw.Write(b); err != nil {
		return newError(KindBackendError, "deflateProcessor.Push", err)
	}
	return nil
}

func (p *deflateProcessor) Finish() error {
	err := p.fw.Close()
	deflateWriterPool.Put(p.fw)
	p.fw = nil
	p.finished = true
	if err != nil {
		return newError(KindBackendError, "deflateProcessor.Finish", err)
	}
	return nil
}

func (p *deflateProcessor) Pull() ([]byte, bool, error) {
	if p.sink.Len() > 0 {
		out := p.sink.Bytes()
		p.sink.Reset()
		return out, false, nil
	}
	return nil, p.finished, nil
}

// inputQueue is a mutex-guarded FIFO byte queue, used (through queueReader)
// to feed klauspost/compress/flate's pull-style Reader from push-style Push
// calls, and to hand decompressed output back. flate.NewReader special-cases
// sources that already implement io.ByteReader and uses them directly instead
// of wrapping in a bufio.Reader. When the queue is empty, blockingRead waits
// for more data, finish, or close rather than returning an error.
type inputQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	finished bool
	closed   bool
}

func newInputQueue() *inputQueue {
	q := &inputQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *inputQueue) push(b []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, b...)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *inputQueue) finish() {
	q.mu.Lock()
	q.finished = true
	q.cond.Signal()
	q.mu.Unlock()
}

// blockingRead waits (the bridging goroutine's own wait, never the caller's)
// until data, finish, or close is observed.
func (q *inputQueue) blockingRead(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.finished && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return 0, io.ErrClosedPipe
	}
	if len(q.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

func (q *inputQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// inflateProcessor decompresses pushed bytes with raw DEFLATE. klauspost's
// flate.Reader (like the standard library's) is pull-style and has no
// supported way to pause mid-stream and resume once more input arrives
// without losing decoder state, so -- following the precedent set by
// zhyee/zipstream's rawReader/readerBridge, which solves exactly this
// problem -- decompression happens on a single dedicated goroutine that
// blocks on the input queue between Push calls and hands finished chunks
// back over an output queue. The goroutine is entirely private to one
// DataProcessor instance and exits once Finish/Close has drained it; it is
// not a worker pool and nothing outside this type observes its existence.
type inflateProcessor struct {
	in  *inputQueue
	out *inputQueue

	startOnce sync.Once
	err       error
}

func newInflateProcessor() *inflateProcessor {
	return &inflateProcessor{
		in:  newInputQueue(),
		out: newInputQueue(),
	}
}

func (p *inflateProcessor) start() {
	p.startOnce.Do(func() {
		go func() {
			fr := flate.NewReader(queueReader{p.in})
			buf := make([]byte, 32*1024)
			for {
				n, err := fr.Read(buf)
				if n > 0 {
					p.out.push(buf[:n])
				}
				if err != nil {
					if err == io.EOF {
						p.out.finish()
					} else {
						p.out.mu.Lock()
						p.out.finished = true
						p.err = err
						p.out.cond.Signal()
						p.out.mu.Unlock()
					}
					_ = fr.Close()
					return
				}
			}
		}()
	})
}

// queueReader adapts *inputQueue to the io.Reader+io.ByteReader pair that
// flate.NewReader recognizes and uses without bufio wrapping.
type queueReader struct{ q *inputQueue }

func (r queueReader) Read(p []byte) (int, error) { return r.q.blockingRead(p) }

func (r queueReader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := r.q.blockingRead(b[:])
	if n == 1 {
		return b[0], nil
	}
	return 0, err
}

func (p *inflateProcessor) Push(b []byte) error {
	p.start()
	cp := append([]byte(nil), b...)
	p.in.push(cp)
	return nil
}

func (p *inflateProcessor) Finish() error {
	p.start()
	p.in.finish()
	return nil
}

func (p *inflateProcessor) Pull() ([]byte, bool, error) {
	p.start()
	p.in.mu.Lock()
	inputFinished := p.in.finished
	p.in.mu.Unlock()
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	// Once Finish has been called no more input can arrive, so an empty,
	// non-done result would be wrong: wait for the goroutine to produce
	// output or finish.
	for inputFinished && len(p.out.buf) == 0 && !p.out.finished {
		p.out.cond.Wait()
	}
	if len(p.out.buf) > 0 {
		out := p.out.buf
		p.out.buf = nil
		return out, false, nil
	}
	if p.out.finished {
		if p.err != nil {
			return nil, true, newError(KindBackendError, "inflateProcessor.Pull", p.err)
		}
		return nil, true, nil
	}
	return nil, false, nil
}

// close releases the decompression goroutine if the caller abandons the
// stream before it reaches end-of-input; it is safe to call multiple times.
func (p *inflateProcessor) close() {
	p.in.close()
}
