package dht

// lifecycle and change events emitted by a node.
// a closed set of update kinds dispatched to registered callbacks.
// callers that need a readiness signal use `Node.WaitAttached`
// rather than latching state out of a callback.

type UpdateKind int

const (
	UpdateLog UpdateKind = iota
	UpdateAppMessage
	UpdateAppCall
	UpdateAttachmentChange
	UpdateNetworkChange
	UpdateConfigChange
	UpdateRouteChange
	UpdateValueChange
	UpdateShutdown
)

func (self UpdateKind) String() string {
	switch self {
	case UpdateLog:
		return "log"
	case UpdateAppMessage:
		return "app_message"
	case UpdateAppCall:
		return "app_call"
	case UpdateAttachmentChange:
		return "attachment_change"
	case UpdateNetworkChange:
		return "network_change"
	case UpdateConfigChange:
		return "config_change"
	case UpdateRouteChange:
		return "route_change"
	case UpdateValueChange:
		return "value_change"
	case UpdateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type Update interface {
	UpdateKind() UpdateKind
}

type UpdateFunction func(update Update)

type LogUpdate struct {
	Message string
}

func (self *LogUpdate) UpdateKind() UpdateKind {
	return UpdateLog
}

type AppMessageUpdate struct {
	Message []byte
}

func (self *AppMessageUpdate) UpdateKind() UpdateKind {
	return UpdateAppMessage
}

type AppCallUpdate struct {
	Call []byte
}

func (self *AppCallUpdate) UpdateKind() UpdateKind {
	return UpdateAppCall
}

type AttachmentState int

const (
	Detached AttachmentState = iota
	Attaching
	AttachedWeak
	FullyAttached
	Detaching
)

func (self AttachmentState) String() string {
	switch self {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case AttachedWeak:
		return "attached_weak"
	case FullyAttached:
		return "fully_attached"
	case Detaching:
		return "detaching"
	default:
		return "unknown"
	}
}

type AttachmentChangeUpdate struct {
	State AttachmentState
}

func (self *AttachmentChangeUpdate) UpdateKind() UpdateKind {
	return UpdateAttachmentChange
}

type NetworkChangeUpdate struct {
	PeerCount int
}

func (self *NetworkChangeUpdate) UpdateKind() UpdateKind {
	return UpdateNetworkChange
}

type ConfigChangeUpdate struct {
}

func (self *ConfigChangeUpdate) UpdateKind() UpdateKind {
	return UpdateConfigChange
}

type RouteChangeUpdate struct {
	PeerUrl string
	Active  bool
}

func (self *RouteChangeUpdate) UpdateKind() UpdateKind {
	return UpdateRouteChange
}

type ValueChangeUpdate struct {
	Key    RecordKey
	Subkey int
	Seq    uint32
}

func (self *ValueChangeUpdate) UpdateKind() UpdateKind {
	return UpdateValueChange
}

type ShutdownUpdate struct {
}

func (self *ShutdownUpdate) UpdateKind() UpdateKind {
	return UpdateShutdown
}
