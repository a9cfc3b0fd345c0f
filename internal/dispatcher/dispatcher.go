// Package dispatcher implements the single-reactor dispatcher and the
// worker pool that together drive the cache server's wire protocol over
// a UNIX-domain stream socket.
//
// The dispatcher owns the listener and the map of live client
// connections. Readiness is modeled three ways, matching the three kinds
// of descriptor the design calls out:
//
//  1. the listening socket: Accept, mint a ClientID, and start an armer
//     goroutine for the connection;
//  2. a client connection "ready for read": bufio.Reader.Peek(1) blocks
//     until at least one byte is buffered without consuming it, which is
//     the Go analogue of edge-triggered readiness. A successful peek
//     hands the connection to the bounded task queue; ownership transfers
//     to whichever worker dequeues it;
//  3. the readback channel: workers and armers report "rearm this
//     client" or "client gone" here. A single goroutine consumes it and
//     is the only place that removes clients from the live-client map;
//     the accept loop adds them. Both go through the dispatcher mutex.
package dispatcher

import (
	"bufio"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"filecached/internal/codec"
	"filecached/internal/eventlog"
	"filecached/internal/filecache"
	"filecached/internal/logger"
	"filecached/internal/metrics"
	"filecached/internal/queue"
)

// ClientID identifies one connection, reusing the identity space the
// store already keys state on.
type ClientID = filecache.ClientID

// state is the dispatcher's lifecycle.
type state int32

const (
	stateRunning state = iota
	stateSoftShutdown
	stateHardShutdown
)

type clientConn struct {
	id      ClientID
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// task is what an armer hands to the task queue: just enough to let a
// worker look the connection back up.
type task struct {
	client ClientID
}

type rbKind int

const (
	rbRearm rbKind = iota
	rbGone
)

type readbackMsg struct {
	kind   rbKind
	client ClientID
}

// Dispatcher owns the listener, the client table, the task queue, and
// the worker pool.
type Dispatcher struct {
	store *filecache.Store
	evlog *eventlog.Writer
	log   *logger.Logger
	mx    *metrics.Metrics

	poolSize int
	taskQ    *queue.Queue[task]
	readback chan readbackMsg

	listener net.Listener

	mu       sync.Mutex
	clients  map[ClientID]*clientConn
	live     int
	liveHigh int // high-water mark of simultaneously connected clients

	st     atomic.Int32
	nextID atomic.Int64

	workersDone sync.WaitGroup
}

// New builds a Dispatcher over store, logging operations to evlog and
// operational faults to log. taskQueueCapacity bounds the dispatcher's
// hand-off queue; poolSize is the number of worker goroutines.
func New(store *filecache.Store, evlog *eventlog.Writer, log *logger.Logger, mx *metrics.Metrics, taskQueueCapacity, poolSize int) *Dispatcher {
	return &Dispatcher{
		store:    store,
		evlog:    evlog,
		log:      log,
		mx:       mx,
		poolSize: poolSize,
		taskQ:    queue.New[task](taskQueueCapacity),
		readback: make(chan readbackMsg, taskQueueCapacity),
		clients:  make(map[ClientID]*clientConn),
	}
}

// Serve binds socketPath with the given listen backlog, limits
// simultaneously accepted connections to maxConns, starts the worker
// pool and the readback loop, then runs the accept loop until shutdown.
// It returns nil on a clean shutdown-triggered close.
func (d *Dispatcher) Serve(socketPath string, backlog, maxConns int) error {
	ln, err := buildUnixListener(socketPath, backlog)
	if err != nil {
		return err
	}
	d.listener = netutil.LimitListener(ln, maxConns)

	for i := 0; i < d.poolSize; i++ {
		d.workersDone.Add(1)
		go d.worker(i)
	}
	go d.readbackLoop()

	err = d.acceptLoop()
	d.taskQ.Close()
	d.workersDone.Wait()
	if err == nil {
		os.Remove(socketPath) //nolint:errcheck
	}
	return err
}

// Soft requests a soft shutdown: stop accepting new connections, finish
// serving live clients, then return from Serve.
func (d *Dispatcher) Soft() {
	d.st.Store(int32(stateSoftShutdown))
	d.mu.Lock()
	live := d.live
	d.mu.Unlock()
	if live == 0 && d.listener != nil {
		d.listener.Close() //nolint:errcheck
	}
}

// Hard requests a hard shutdown: close the listener and every live
// client connection immediately.
func (d *Dispatcher) Hard() {
	d.st.Store(int32(stateHardShutdown))
	if d.listener != nil {
		d.listener.Close() //nolint:errcheck
	}
	d.mu.Lock()
	conns := make([]net.Conn, 0, len(d.clients))
	for _, cc := range d.clients {
		conns = append(conns, cc.conn)
	}
	d.mu.Unlock()
	for _, c := range conns {
		c.Close() //nolint:errcheck
	}
}

func (d *Dispatcher) acceptLoop() error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if state(d.st.Load()) != stateRunning {
				return nil
			}
			return err
		}
		if state(d.st.Load()) == stateSoftShutdown {
			conn.Close() //nolint:errcheck
			continue
		}
		d.registerClient(conn)
	}
}

func (d *Dispatcher) registerClient(conn net.Conn) {
	id := ClientID(d.nextID.Add(1))
	cc := &clientConn{id: id, conn: conn, reader: bufio.NewReader(conn)}

	d.mu.Lock()
	d.clients[id] = cc
	d.live++
	if d.live > d.liveHigh {
		d.liveHigh = d.live
	}
	d.mu.Unlock()

	d.mx.ClientsSeen.Add(1)
	d.logRecord(0, id, "", eventlog.OpNewClient, eventlog.OutcomeOK, 0, 0)
	go d.arm(cc)
}

// arm blocks until cc is readable (or closed), then hands it to the task
// queue. It never touches the dispatcher's maps directly; everything
// flows back through the readback channel.
func (d *Dispatcher) arm(cc *clientConn) {
	if _, err := cc.reader.Peek(1); err != nil {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	if err := d.taskQ.Enqueue(task{client: cc.id}); err != nil {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
	}
}

func (d *Dispatcher) readbackLoop() {
	for msg := range d.readback {
		switch msg.kind {
		case rbRearm:
			if cc := d.lookup(msg.client); cc != nil {
				go d.arm(cc)
			}
		case rbGone:
			d.handleGone(msg.client)
		}
	}
}

func (d *Dispatcher) handleGone(id ClientID) {
	d.mu.Lock()
	cc, ok := d.clients[id]
	if ok {
		delete(d.clients, id)
		d.live--
	}
	live := d.live
	st := state(d.st.Load())
	d.mu.Unlock()

	if ok {
		handoffs := d.store.ClientExited(id)
		d.logRecord(0, id, "", eventlog.OpClientLeft, eventlog.OutcomeOK, 0, 0)
		cc.conn.Close() //nolint:errcheck
		for _, h := range handoffs {
			d.deliverLockGrant(h.NewHolder, h.Path)
		}
	}
	if live == 0 && st == stateSoftShutdown && d.listener != nil {
		d.listener.Close() //nolint:errcheck
	}
}

// MaxClients reports the high-water mark of simultaneously connected
// clients, for the exit summary.
func (d *Dispatcher) MaxClients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveHigh
}

func (d *Dispatcher) lookup(id ClientID) *clientConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[id]
}

func (d *Dispatcher) worker(id int) {
	defer d.workersDone.Done()
	for {
		t, ok := d.taskQ.Dequeue()
		if !ok {
			return
		}
		d.handleTask(id, t)
	}
}

func (d *Dispatcher) handleTask(workerID int, t task) {
	cc := d.lookup(t.client)
	if cc == nil {
		return
	}

	start := time.Now()
	// arm already waited for the first byte to be readable, so an error
	// here means a truncated or malformed frame, not an idle connection.
	// A client that really vanished mid-frame is caught below: writing
	// the bad-request response to a dead socket fails, which routes
	// through to rbGone the same as any other write failure.
	req, err := codec.ReadRequest(cc.reader)
	if err != nil {
		d.writeAndRearm(cc, workerID, "", eventlog.OpBadRequest, codec.RespBadRequest)
		return
	}

	d.dispatch(workerID, cc, req)
	d.mx.RecordOpLatency(time.Since(start))
}

func (d *Dispatcher) dispatch(workerID int, cc *clientConn, req codec.Request) {
	d.mx.OpsTotal.Add(1)
	switch req.Code {
	case codec.ReqOpen:
		d.doOpen(workerID, cc, req)
	case codec.ReqClose:
		d.doClose(workerID, cc, req)
	case codec.ReqRead:
		d.doRead(workerID, cc, req)
	case codec.ReqReadN:
		d.doReadN(workerID, cc, req)
	case codec.ReqWrite:
		d.doWriteOrAppend(workerID, cc, req, true)
	case codec.ReqAppend:
		d.doWriteOrAppend(workerID, cc, req, false)
	case codec.ReqLock:
		d.doLock(workerID, cc, req)
	case codec.ReqUnlock:
		d.doUnlock(workerID, cc, req)
	case codec.ReqRemove:
		d.doRemove(workerID, cc, req)
	}
}

func (d *Dispatcher) doOpen(workerID int, cc *clientConn, req codec.Request) {
	create := req.OpenFlag&codec.OpenCreate != 0
	lock := req.OpenFlag&codec.OpenLock != 0
	evicted, err := d.store.Open(cc.id, req.Path, create, lock)
	if err != nil {
		d.respondErr(cc, workerID, req.Path, eventlog.OpOpen, err)
		return
	}
	d.recordEvictions(len(evicted))
	if !d.writeOK(cc, evicted) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, req.Path, eventlog.OpOpen, eventlog.OutcomeOK, 0, 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) doClose(workerID int, cc *clientConn, req codec.Request) {
	err := d.store.Close(cc.id, req.Path)
	if err != nil {
		d.respondErr(cc, workerID, req.Path, eventlog.OpClose, err)
		return
	}
	if !d.writeBare(cc, codec.RespOK) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, req.Path, eventlog.OpClose, eventlog.OutcomeOK, 0, 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) doRead(workerID int, cc *clientConn, req codec.Request) {
	data, err := d.store.Read(cc.id, req.Path)
	if err != nil {
		d.respondErr(cc, workerID, req.Path, eventlog.OpRead, err)
		return
	}
	cc.writeMu.Lock()
	werr := codec.WriteReadResponse(cc.conn, data)
	cc.writeMu.Unlock()
	if werr != nil {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, req.Path, eventlog.OpRead, eventlog.OutcomeOK, len(data), 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) doReadN(workerID int, cc *clientConn, req codec.Request) {
	pairs := d.store.ReadN(req.Count)
	codecPairs, total := toCodecPairs(pairs)
	cc.writeMu.Lock()
	werr := codec.WriteFileStream(cc.conn, codecPairs)
	cc.writeMu.Unlock()
	if werr != nil {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, "", eventlog.OpReadN, eventlog.OutcomeOK, total, 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) doWriteOrAppend(workerID int, cc *clientConn, req codec.Request, isWrite bool) {
	op := eventlog.OpAppend
	var evicted []filecache.FilePair
	var err error
	if isWrite {
		op = eventlog.OpWrite
		evicted, err = d.store.Write(cc.id, req.Path, req.Payload)
	} else {
		evicted, err = d.store.Append(cc.id, req.Path, req.Payload)
	}
	d.recordEvictions(len(evicted))

	if err != nil {
		cc.writeMu.Lock()
		werr := codec.WriteResponse(cc.conn, errCode(err))
		if werr == nil {
			codecPairs, _ := toCodecPairs(evicted)
			werr = codec.WritePairs(cc.conn, codecPairs)
		}
		cc.writeMu.Unlock()
		d.logRecord(workerID, cc.id, req.Path, op, eventlog.OutcomeFailed(errCode(err)), 0, errCode(err))
		if werr != nil {
			d.readback <- readbackMsg{kind: rbGone, client: cc.id}
			return
		}
		d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
		return
	}

	if !d.writeOK(cc, evicted) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, req.Path, op, eventlog.OutcomeOK, len(req.Payload), 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) doLock(workerID int, cc *clientConn, req codec.Request) {
	blocked, err := d.store.Lock(cc.id, req.Path)
	if err != nil {
		d.respondErr(cc, workerID, req.Path, eventlog.OpLock, err)
		return
	}
	if blocked {
		d.mx.LockWaits.Add(1)
		d.logRecord(workerID, cc.id, req.Path, eventlog.OpLock, eventlog.OutcomeBlocked(1), 0, 0)
		// No response, no rearm: the connection stays parked until the
		// unlock/exit handler that hands it the lock delivers one.
		return
	}
	if !d.writeBare(cc, codec.RespOK) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, req.Path, eventlog.OpLock, eventlog.OutcomeOK, 0, 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) doUnlock(workerID int, cc *clientConn, req codec.Request) {
	handoff, err := d.store.Unlock(cc.id, req.Path)
	if err != nil {
		d.respondErr(cc, workerID, req.Path, eventlog.OpUnlock, err)
		return
	}
	if !d.writeBare(cc, codec.RespOK) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, req.Path, eventlog.OpUnlock, eventlog.OutcomeOK, 0, 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}

	if handoff != 0 {
		d.deliverLockGrant(handoff, req.Path)
	}
}

func (d *Dispatcher) doRemove(workerID int, cc *clientConn, req codec.Request) {
	notify, err := d.store.Remove(cc.id, req.Path)
	if err != nil {
		d.respondErr(cc, workerID, req.Path, eventlog.OpRemove, err)
		return
	}
	if !d.writeBare(cc, codec.RespOK) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, req.Path, eventlog.OpRemove, eventlog.OutcomeOK, 0, 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}

	for _, waiter := range notify {
		d.deliverNotFound(waiter, req.Path)
	}
}

// deliverLockGrant writes an OK response to a client that was parked
// waiting for a lock and rearms its connection. Called from the worker
// that handled the Unlock, or from the readback loop after ClientExited;
// neither owns the target connection's task.
func (d *Dispatcher) deliverLockGrant(id ClientID, path string) {
	cc := d.lookup(id)
	if cc == nil {
		return
	}
	if !d.writeBare(cc, codec.RespOK) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(0, id, path, eventlog.OpLock, eventlog.OutcomeOK, 0, 0)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

// deliverNotFound tells a client parked in a pending-lock queue that the
// file it was waiting on is gone.
func (d *Dispatcher) deliverNotFound(id ClientID, path string) {
	cc := d.lookup(id)
	if cc == nil {
		return
	}
	if !d.writeBare(cc, codec.RespNotFound) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(0, id, path, eventlog.OpLock, eventlog.OutcomeFailed(codec.RespNotFound), 0, codec.RespNotFound)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) respondErr(cc *clientConn, workerID int, path string, op eventlog.Operation, err error) {
	code := errCode(err)
	if !d.writeBare(cc, code) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.mx.OpsFailed.Add(1)
	d.logRecord(workerID, cc.id, path, op, eventlog.OutcomeFailed(code), 0, code)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) writeAndRearm(cc *clientConn, workerID int, path string, op eventlog.Operation, code int) {
	if !d.writeBare(cc, code) {
		d.readback <- readbackMsg{kind: rbGone, client: cc.id}
		return
	}
	d.logRecord(workerID, cc.id, path, op, eventlog.OutcomeFailed(code), 0, code)
	d.readback <- readbackMsg{kind: rbRearm, client: cc.id}
}

func (d *Dispatcher) writeBare(cc *clientConn, code int) bool {
	cc.writeMu.Lock()
	err := codec.WriteResponse(cc.conn, code)
	cc.writeMu.Unlock()
	return err == nil
}

func (d *Dispatcher) writeOK(cc *clientConn, evicted []filecache.FilePair) bool {
	codecPairs, _ := toCodecPairs(evicted)
	cc.writeMu.Lock()
	err := codec.WriteFileStream(cc.conn, codecPairs)
	cc.writeMu.Unlock()
	return err == nil
}

func (d *Dispatcher) recordEvictions(n int) {
	if n > 0 {
		d.mx.Evictions.Add(int64(n))
	}
}

func (d *Dispatcher) logRecord(workerID int, clientID ClientID, path string, op eventlog.Operation, outcome string, bytesProcessed, errorCode int) {
	d.evlog.Log(eventlog.Record{
		Timestamp:      time.Now().Format("15:04:05"),
		ClientFD:       int(clientID),
		WorkerTID:      workerID,
		OperationType:  op,
		FilePath:       path,
		Outcome:        outcome,
		BytesProcessed: bytesProcessed,
		ErrorCode:      errorCode,
	})
}

func errCode(err error) int {
	switch err {
	case filecache.ErrNotFound:
		return codec.RespNotFound
	case filecache.ErrForbidden:
		return codec.RespForbidden
	case filecache.ErrTooBig:
		return codec.RespTooBig
	case filecache.ErrAlreadyExists:
		return codec.RespAlreadyExists
	default:
		return codec.RespInternal
	}
}

func toCodecPairs(in []filecache.FilePair) ([]codec.FilePair, int) {
	out := make([]codec.FilePair, len(in))
	total := 0
	for i, p := range in {
		out[i] = codec.FilePair{Path: p.Path, Content: p.Content}
		total += len(p.Content)
	}
	return out, total
}
