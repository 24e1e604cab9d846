package pstypes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Zone identifies a shard of the overlay; always a positive integer.
type Zone int

// BrokerRole is the role a broker currently holds within its zone.
type BrokerRole string

const (
	RolePrimary BrokerRole = "primary"
	RoleBackup  BrokerRole = "backup"
)

// Coordinator tree layout. Every path helper lives here so brokers,
// publishers, subscribers, the backup pool and the load balancer agree
// on exactly the same znode names.
const (
	PrimariesRoot   = "/primaries"
	ElectionsRoot   = "/elections"
	SharedStateRoot = "/shared_state"
	PublishersRoot  = SharedStateRoot + "/publishers"
	SubscribersRoot = SharedStateRoot + "/subscribers"
	CurrentLoadPath = SharedStateRoot + "/current_load"

	// ElectionNodePrefix is the sequential-ephemeral child name prefix
	// the classic ZooKeeper leader-election recipe uses under an
	// election path (spec.md §4.1) — shared by the election primitive
	// itself and anything that needs to name a specific contender's
	// node, such as the load balancer's demotion policy (spec.md §4.6).
	ElectionNodePrefix = "n_"
)

// PrimaryNodePath returns /primaries/zone_<N>.
func PrimaryNodePath(zone Zone) string {
	return fmt.Sprintf("%s/zone_%d", PrimariesRoot, int(zone))
}

// ElectionPath returns /elections/zone_<N>.
func ElectionPath(zone Zone) string {
	return fmt.Sprintf("%s/zone_%d", ElectionsRoot, int(zone))
}

// PublisherPath returns /shared_state/publishers/<id>.
func PublisherPath(id string) string {
	return SharedStateRoot + "/publishers/" + id
}

// SubscriberPath returns /shared_state/subscribers/<id>.
func SubscriberPath(id string) string {
	return SharedStateRoot + "/subscribers/" + id
}

// ZoneFromPrimariesChild parses "zone_<N>" (a child name under
// /primaries or /elections) back into a Zone. Returns false if the
// name isn't in that shape.
func ZoneFromPrimariesChild(name string) (Zone, bool) {
	const prefix = "zone_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, false
	}
	return Zone(n), true
}

// NewID generates a fresh globally-unique identity, used by brokers at
// startup and by publishers/subscribers the first time they run (the
// id is then stable across reconnects and primary switches).
func NewID() string {
	return uuid.NewString()
}

// PrimaryInfo is the value stored at /primaries/zone_<N>: the live
// primary's endpoint triple, encoded on the wire as "host,pubPort,subPort".
type PrimaryInfo struct {
	Host       string
	PubRegPort int
	SubRegPort int
}

// Encode renders the primary-node value in the wire format spec.md §3
// and §6 specify.
func (p PrimaryInfo) Encode() string {
	return fmt.Sprintf("%s,%d,%d", p.Host, p.PubRegPort, p.SubRegPort)
}

// ParsePrimaryInfo decodes the "host,pubPort,subPort" wire value.
func ParsePrimaryInfo(raw string) (PrimaryInfo, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return PrimaryInfo{}, fmt.Errorf("pstypes: malformed primary-node value %q", raw)
	}
	pubPort, err := strconv.Atoi(parts[1])
	if err != nil {
		return PrimaryInfo{}, fmt.Errorf("pstypes: malformed pub_reg_port in %q: %w", raw, err)
	}
	subPort, err := strconv.Atoi(parts[2])
	if err != nil {
		return PrimaryInfo{}, fmt.Errorf("pstypes: malformed sub_reg_port in %q: %w", raw, err)
	}
	return PrimaryInfo{Host: parts[0], PubRegPort: pubPort, SubRegPort: subPort}, nil
}

// PublisherRecord is the JSON value stored at /shared_state/publishers/<id>.
type PublisherRecord struct {
	ID      string   `json:"id"`
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Offered int      `json:"offered"`
	Zone    Zone     `json:"zone,omitempty"`
}

// HasTopic reports whether the publisher lists topic among its interests.
func (p PublisherRecord) HasTopic(topic string) bool {
	for _, t := range p.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Dominates reports whether this publisher's offered history window is
// large enough to satisfy a subscriber requesting `requested` events —
// the dominance rule from spec.md §3/§4.2: offered >= requested, ties
// included.
func (p PublisherRecord) Dominates(requested int) bool {
	return p.Offered >= requested
}

// SubscriberRecord is the JSON value stored at /shared_state/subscribers/<id>.
type SubscriberRecord struct {
	ID         string   `json:"id"`
	Address    string   `json:"address"`
	Topics     []string `json:"topics"`
	Requested  int      `json:"requested"`
	NotifyPort int      `json:"notify_port,omitempty"`
	Zone       Zone     `json:"zone,omitempty"`
}

// HasTopic reports whether the subscriber lists topic among its interests.
func (s SubscriberRecord) HasTopic(topic string) bool {
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Event is one published record: a publisher's endpoint, the topic it
// was published on, and the wall-clock time it was published. A
// publisher's sliding history is a bounded FIFO of these.
type Event struct {
	Publisher   string    `json:"publisher"`
	Topic       string    `json:"topic"`
	PublishTime time.Time `json:"publish_time"`
}

// ReceivedRecord is one row of a subscriber's received log, written to
// CSV in bounded/finite mode per spec.md §8 scenario 5.
type ReceivedRecord struct {
	Publisher        string
	Topic            string
	TotalTimeSeconds float64
}
