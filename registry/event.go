package registry

// Shard is one member instance of a service cluster: an address plus
// the attributes needed for routing and observability.
type Shard struct {
	Name       string
	URL        URL
	Weight     int
	Region     string
	DataCenter string
}

// ShardEventType classifies a single shard delta within a ClusterEvent.
type ShardEventType int

const (
	ShardAdd ShardEventType = iota
	ShardUpdate
	ShardDelete
)

// ShardEvent is one shard-level delta carried by a ClusterEvent.
type ShardEvent struct {
	Shard Shard
	Type  ShardEventType
}

// UpdateType classifies a ClusterEvent. FULL and CLEAR are "full"
// events (they replace the whole view); ADD/UPDATE/DELETE are
// incremental.
type UpdateType int

const (
	EventFull UpdateType = iota
	EventAdd
	EventUpdate
	EventDelete
	EventClear
)

// isFull reports whether update types of this kind carry a complete
// snapshot rather than an incremental delta.
func (t UpdateType) isFull() bool {
	return t == EventFull || t == EventClear
}

// ClusterEvent is the user-visible (and internally merged) shape of a
// cluster subscription update.
type ClusterEvent struct {
	Source  *ClusterBooking
	Target  ClusterHandler // nil for a broadcast event, set for a single-recipient synthetic FULL
	Type    UpdateType
	Version int64
	Shards  []ShardEvent
}

// ConfigEvent is the user-visible shape of a config subscription
// update. Config is always delivered as a full replacement.
type ConfigEvent struct {
	Source  *ConfigBooking
	Target  ConfigHandler
	Version int64
	Datum   map[string]string
}

// ClusterHandler receives cluster subscription events.
type ClusterHandler interface {
	HandleCluster(event ClusterEvent)
}

// ConfigHandler receives config subscription events.
type ConfigHandler interface {
	HandleConfig(event ConfigEvent)
}

// ClusterHandlerFunc adapts a plain function to a ClusterHandler.
type ClusterHandlerFunc func(ClusterEvent)

func (f ClusterHandlerFunc) HandleCluster(event ClusterEvent) { f(event) }

// ConfigHandlerFunc adapts a plain function to a ConfigHandler.
type ConfigHandlerFunc func(ConfigEvent)

func (f ConfigHandlerFunc) HandleConfig(event ConfigEvent) { f(event) }
