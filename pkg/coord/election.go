package coord

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"

	"github.com/cuemby/pubsub-overlay/pkg/log"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
)

// electionPrefix is the sequential-ephemeral child name prefix used by
// the classic ZooKeeper leader-election recipe.
const electionPrefix = pstypes.ElectionNodePrefix

// Election is the leader-election primitive from spec.md §4.1:
// election(path, id).run(fn) — the contender blocks until it becomes
// leader, then invokes fn; on session loss fn's stop channel closes so
// it can unwind cleanly.
type Election struct {
	client *zkClient
	path   string
	id     string

	mu      sync.Mutex
	ownNode string
}

// Run blocks the caller in the election at e.path until this contender
// wins leadership, then calls fn with a channel that closes when
// leadership should be relinquished (session LOST/SUSPENDED, or this
// contender's own election node deleted). Run returns after fn returns
// and the contender's election entry has been removed.
func (e *Election) Run(fn func(stop <-chan struct{})) error {
	logger := log.WithComponent("election").With().Str("path", e.path).Logger()

	if err := e.client.ensureNode(e.path); err != nil {
		return err
	}

	nodePath, err := e.client.createSequentialEphemeral(e.path, []byte(e.id))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ownNode = nodePath
	e.mu.Unlock()

	ownSeq := sequenceOf(nodePath)

	for {
		children, err := e.client.Children(e.path)
		if err != nil {
			return err
		}
		sort.Slice(children, func(i, j int) bool {
			return sequenceOf(e.path+"/"+children[i]) < sequenceOf(e.path+"/"+children[j])
		})

		if len(children) == 0 || e.path+"/"+children[0] == nodePath {
			logger.Info().Msg("won leader election")
			break
		}

		// Watch the next-lowest sibling; when it disappears, recheck.
		predecessor := e.predecessorOf(children, ownSeq)
		if predecessor == "" {
			continue
		}
		gone := make(chan struct{})
		e.client.watchOnce(e.path+"/"+predecessor, gone)
		select {
		case <-gone:
			continue
		case s := <-e.client.StateChanges():
			if s == StateLost || s == StateSuspended {
				return nil
			}
		}
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		for s := range e.client.StateChanges() {
			if s == StateLost || s == StateSuspended {
				closeStop()
				return
			}
		}
	}()

	// A demotion (or any external actor) may delete this contender's
	// own node directly rather than tearing down the session — watch
	// it so the primary steps down instead of serving on unaware that
	// another contender has already declared itself the new winner.
	go func() {
		ownNodeGone := make(chan struct{})
		e.client.watchOnce(nodePath, ownNodeGone)
		select {
		case <-ownNodeGone:
			closeStop()
		case <-stop:
		}
	}()

	fn(stop)

	return e.client.Delete(nodePath, false)
}

// predecessorOf returns the child immediately below ownSeq in the
// sorted sequence, or "" if ownSeq is already the lowest.
func (e *Election) predecessorOf(sortedChildren []string, ownSeq int) string {
	best := ""
	bestSeq := -1
	for _, child := range sortedChildren {
		seq := sequenceOf(e.path + "/" + child)
		if seq < ownSeq && seq > bestSeq {
			bestSeq = seq
			best = child
		}
	}
	return best
}

func sequenceOf(path string) int {
	idx := strings.LastIndex(path, electionPrefix)
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(path[idx+len(electionPrefix):])
	if err != nil {
		return -1
	}
	return n
}

// ensureNode creates path as a persistent node if it doesn't exist yet;
// AlreadyExists is treated as a soft success per spec.md §4.1.
func (c *zkClient) ensureNode(path string) error {
	if err := c.Create(path, nil, false); err != nil && err != ErrAlreadyExists {
		return err
	}
	return nil
}

func (c *zkClient) createSequentialEphemeral(parent string, value []byte) (string, error) {
	flags := zk.FlagEphemeral | zk.FlagSequence
	path, err := c.conn.Create(parent+"/"+electionPrefix, value, flags, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", err
	}
	return path, nil
}

// watchOnce closes done the first time path changes or is deleted.
func (c *zkClient) watchOnce(path string, done chan<- struct{}) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		ok, _, events, err := c.conn.ExistsW(path)
		if err != nil || !ok {
			close(done)
			return
		}
		select {
		case <-events:
			close(done)
		case <-c.closed:
		}
	}()
}
