package memtap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pior/memtap/binprot"
)

// Keys under ResyncKeyPrefix belong to the resyncer and are never copied
// between servers.
const (
	ResyncKeyPrefix = `memtap\`
	TagKey          = ResyncKeyPrefix + "tag"
	TagValue        = "{}"
)

// ResyncConfig configures a Resyncer.
type ResyncConfig struct {
	// Local is the address of the server being filled.
	Local string

	// VBuckets is the vbucket count of the cluster. Defaults to 128.
	VBuckets int

	// SkipPrefix marks keys that are never copied. Defaults to ResyncKeyPrefix.
	SkipPrefix string

	// Dial opens connections to the local and source servers.
	// Defaults to Dial.
	Dial func(ctx context.Context, addr string) (*Connection, error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ResyncStats counts the work done by a Resyncer.
type ResyncStats struct {
	Keys       uint64 // mutations applied to the local server
	Bytes      uint64 // wire size of the applied mutations
	Discarded  uint64 // mutations skipped for vbucket or prefix
	Buckets    uint64 // vbuckets streamed completely
	Taps       uint64 // taps started
	FailedTaps uint64 // taps that did not complete
}

// Resyncer copies vbuckets from other servers into a local one over TAP.
//
// For each mutation the local copy is looked up: a missing key is added, and
// an existing one is replaced if its flags, which hold a write timestamp, are
// older than the mutation's. Newer local data is kept.
type Resyncer struct {
	config ResyncConfig
	logger *slog.Logger

	keys       atomic.Uint64
	bytes      atomic.Uint64
	discarded  atomic.Uint64
	buckets    atomic.Uint64
	taps       atomic.Uint64
	failedTaps atomic.Uint64
}

func NewResyncer(config ResyncConfig) *Resyncer {
	if config.VBuckets <= 0 {
		config.VBuckets = binprot.DefaultVBuckets
	}
	if config.Dial == nil {
		config.Dial = Dial
	}
	if config.SkipPrefix == "" {
		config.SkipPrefix = ResyncKeyPrefix
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resyncer{config: config, logger: logger.With("local", config.Local)}
}

func (r *Resyncer) Stats() ResyncStats {
	return ResyncStats{
		Keys:       r.keys.Load(),
		Bytes:      r.bytes.Load(),
		Discarded:  r.discarded.Load(),
		Buckets:    r.buckets.Load(),
		Taps:       r.taps.Load(),
		FailedTaps: r.failedTaps.Load(),
	}
}

// Resync streams vbuckets from source and applies them to the local server.
// It returns nil once source closed the stream.
func (r *Resyncer) Resync(ctx context.Context, source string, vbuckets []uint16) error {
	r.taps.Add(1)
	logger := r.logger.With("source", source)

	err := r.resync(ctx, logger, source, vbuckets)
	if err != nil {
		r.failedTaps.Add(1)
		logger.Error("tap failed", "error", err)
		return err
	}

	r.buckets.Add(uint64(len(vbuckets)))
	logger.Info("tap completed", "vbuckets", len(vbuckets))
	return nil
}

func (r *Resyncer) resync(ctx context.Context, logger *slog.Logger, source string, vbuckets []uint16) error {
	local, err := r.config.Dial(ctx, r.config.Local)
	if err != nil {
		return fmt.Errorf("connecting to local server: %w", err)
	}
	defer local.Close()

	conn, err := r.config.Dial(ctx, source)
	if err != nil {
		return fmt.Errorf("connecting to tap server: %w", err)
	}

	stream, err := OpenTapStream(ctx, conn, vbuckets, logger)
	if err != nil {
		conn.Close()
		return err
	}
	defer stream.Close()

	wanted := make(map[uint16]bool, len(vbuckets))
	for _, vb := range vbuckets {
		wanted[vb] = true
	}

	for {
		mutate, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		// TAP_MUTATE does not carry a reliable vbucket, derive it from the key.
		vbucket := binprot.VBucketForKey(mutate.Key, r.config.VBuckets)

		switch {
		case !wanted[vbucket]:
			logger.Debug("discarding mutation for other vbucket", "key", string(mutate.Key), "vbucket", vbucket)
			r.discarded.Add(1)
			continue
		case strings.HasPrefix(string(mutate.Key), r.config.SkipPrefix):
			logger.Debug("discarding mutation for tag record", "key", string(mutate.Key))
			r.discarded.Add(1)
			continue
		}

		if err := r.apply(ctx, logger, local, vbucket, mutate); err != nil {
			return fmt.Errorf("applying %q to local server: %w", mutate.Key, err)
		}

		r.keys.Add(1)
		r.bytes.Add(uint64(binprot.EncodedLen(mutate)))
	}
}

// apply writes one mutation to the local server, unless the local copy is
// at least as recent.
func (r *Resyncer) apply(ctx context.Context, logger *slog.Logger, local *Connection, vbucket uint16, mutate *binprot.TapMutateRequest) error {
	key := string(mutate.Key)

	msg, err := local.RoundTrip(ctx, binprot.NewGetRequest(key, vbucket))
	if err != nil {
		return err
	}
	current := msg.(*binprot.GetResponse)

	var req *binprot.StoreRequest
	switch current.Status {
	case binprot.StatusKeyNotFound:
		req = binprot.NewAddRequest(key, vbucket, mutate.Value, mutate.Flags, mutate.Expiry)
	case binprot.StatusNoError:
		// Flags hold a timestamp; the signed difference survives wrap-around.
		if int32(current.Flags)-int32(mutate.Flags) >= 0 {
			logger.Debug("local copy is current", "key", key)
			return nil
		}
		req = binprot.NewReplaceRequest(key, vbucket, mutate.Value, mutate.Flags, mutate.Expiry, current.CAS)
	default:
		return fmt.Errorf("unexpected get status %s", current.Status)
	}

	msg, err = local.RoundTrip(ctx, req)
	if err != nil {
		return err
	}

	// Losing a race with a concurrent writer is fine: that write is newer.
	if err := msg.(*binprot.StoreResponse).Err(); err != nil {
		logger.Debug("store not applied", "key", key, "op", req.Opcode.String(), "error", err)
	}
	return nil
}

// localRoundTrip sends one request to the local server on a fresh connection.
func (r *Resyncer) localRoundTrip(ctx context.Context, req binprot.Message) (binprot.Message, error) {
	conn, err := r.config.Dial(ctx, r.config.Local)
	if err != nil {
		return nil, fmt.Errorf("connecting to local server: %w", err)
	}
	defer conn.Close()

	return conn.RoundTrip(ctx, req)
}

// Poll reports whether the local server holds the tag written by Tag. A
// missing tag means the server restarted, or a resync was interrupted, and
// its data is out of date.
func (r *Resyncer) Poll(ctx context.Context) (bool, error) {
	msg, err := r.localRoundTrip(ctx, binprot.NewGetRequest(TagKey, r.tagVBucket()))
	if err != nil {
		return false, err
	}

	rsp, ok := msg.(*binprot.GetResponse)
	if !ok {
		return false, fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
	switch rsp.Status {
	case binprot.StatusNoError:
		r.logger.Debug("found tag, local server is up to date")
		return true, nil
	case binprot.StatusKeyNotFound:
		r.logger.Debug("no tag, local server is out of date")
		return false, nil
	}
	return false, rsp.Err()
}

// Tag marks the local server as up to date.
func (r *Resyncer) Tag(ctx context.Context) error {
	req := binprot.NewSetRequest(TagKey, r.tagVBucket(), []byte(TagValue), 0, 0)
	msg, err := r.localRoundTrip(ctx, req)
	if err != nil {
		return err
	}
	rsp, ok := msg.(*binprot.StoreResponse)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
	return rsp.Err()
}

// Untag marks the local server as out of date, so that a resync interrupted
// by a crash is detected by the next Poll.
func (r *Resyncer) Untag(ctx context.Context) error {
	msg, err := r.localRoundTrip(ctx, binprot.NewDeleteRequest(TagKey, r.tagVBucket()))
	if err != nil {
		return err
	}
	rsp, ok := msg.(*binprot.DeleteResponse)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
	if err := rsp.Err(); err != nil && !errors.Is(err, binprot.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (r *Resyncer) tagVBucket() uint16 {
	return binprot.VBucketForKey([]byte(TagKey), r.config.VBuckets)
}

// Run resyncs owl when it is needed: always when full is set, otherwise only
// when Poll finds the local server out of date. It returns false when nothing
// had to be streamed.
//
// A full run untags the local server first. Every run that streams tags it
// afterwards, even if some vbuckets remain: their data is lost on every
// replica and streaming them again would not help.
func (r *Resyncer) Run(ctx context.Context, owl Worklist, full bool) (bool, []uint16, error) {
	if full {
		if err := r.Untag(ctx); err != nil {
			return false, nil, fmt.Errorf("untagging local server: %w", err)
		}
	} else {
		upToDate, err := r.Poll(ctx)
		if err != nil {
			return false, nil, fmt.Errorf("polling local server: %w", err)
		}
		if upToDate {
			r.logger.Info("local server is up to date, skipping resync")
			return false, nil, nil
		}
	}

	remaining := r.ProcessWorklist(ctx, owl)
	if err := ctx.Err(); err != nil {
		return true, remaining, err
	}

	if err := r.Tag(ctx); err != nil {
		return true, remaining, fmt.Errorf("tagging local server: %w", err)
	}
	return true, remaining, nil
}

// Worklist maps each vbucket to the servers it can be streamed from, in
// order of preference.
type Worklist map[uint16][]string

// CalculateWorklist returns the vbuckets self must stream when moving from
// the current replica assignment to next. With full set, vbuckets self
// already holds are streamed again from the other replicas.
//
// An empty next means no resize is in progress.
func CalculateWorklist(current, next map[uint16][]string, self string, full bool) Worklist {
	if len(next) == 0 {
		next = current
	}

	owl := Worklist{}
	for vbucket, replicas := range next {
		if !slices.Contains(replicas, self) {
			continue
		}

		sources := slices.Clone(current[vbucket])
		if full {
			sources = slices.DeleteFunc(sources, func(s string) bool { return s == self })
		}

		if len(sources) > 0 && !slices.Contains(sources, self) {
			owl[vbucket] = sources
		}
	}
	return owl
}

// ProcessWorklist streams every vbucket of owl from each of its replicas in
// turn, tapping all servers of a round concurrently. Streaming from every
// replica covers replicas that restarted and miss records. A server whose
// tap fails is dropped from the rest of the worklist.
//
// It returns the vbuckets that no tap streamed completely.
func (r *Resyncer) ProcessWorklist(ctx context.Context, owl Worklist) []uint16 {
	owl = cloneWorklist(owl)

	unstreamed := make(map[uint16]bool, len(owl))
	for vb := range owl {
		unstreamed[vb] = true
	}

	for ctx.Err() == nil {
		taps := nextTaps(owl)
		if len(taps) == 0 {
			break
		}

		var mu sync.Mutex
		var failed []string
		var wg sync.WaitGroup
		for server, vbuckets := range taps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := r.Resync(ctx, server, vbuckets)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed = append(failed, server)
					return
				}
				for _, vb := range vbuckets {
					delete(unstreamed, vb)
				}
			}()
		}
		wg.Wait()

		for _, server := range failed {
			blacklist(owl, server)
		}
	}

	remaining := make([]uint16, 0, len(unstreamed))
	for vb := range unstreamed {
		remaining = append(remaining, vb)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })

	if len(remaining) > 0 {
		r.logger.Error("failed to stream some vbuckets", "vbuckets", remaining)
	}
	return remaining
}

// nextTaps pops the first replica of each vbucket and groups the vbuckets by
// that replica.
func nextTaps(owl Worklist) map[string][]uint16 {
	vbuckets := make([]uint16, 0, len(owl))
	for vb := range owl {
		vbuckets = append(vbuckets, vb)
	}
	sort.Slice(vbuckets, func(i, j int) bool { return vbuckets[i] < vbuckets[j] })

	taps := map[string][]uint16{}
	for _, vb := range vbuckets {
		replicas := owl[vb]
		if len(replicas) == 0 {
			continue
		}
		taps[replicas[0]] = append(taps[replicas[0]], vb)
		owl[vb] = replicas[1:]
	}
	return taps
}

func blacklist(owl Worklist, server string) {
	for vb, replicas := range owl {
		owl[vb] = slices.DeleteFunc(replicas, func(s string) bool { return s == server })
	}
}

func cloneWorklist(owl Worklist) Worklist {
	out := make(Worklist, len(owl))
	for vb, replicas := range owl {
		out[vb] = slices.Clone(replicas)
	}
	return out
}
