package raftsql

// ProtocolVersion is sent in the Handshake frame and must match the server's.
const ProtocolVersion uint64 = 1

// Request frame types.
const (
	TypeHandshake uint16 = 1
	TypeLeader    uint16 = 2
	TypeCluster   uint16 = 3
	TypeOpen      uint16 = 4
	TypePrepare   uint16 = 5
	TypeExec      uint16 = 6
	TypeQuery     uint16 = 7
	TypeExecSQL   uint16 = 8
	TypeQuerySQL  uint16 = 9
	TypeFinalize  uint16 = 10
	TypeInterrupt uint16 = 11
)

// Response frame types.
const (
	TypeFailure     uint16 = 64
	TypeWelcome     uint16 = 65
	TypeNotLeader   uint16 = 66
	TypeNodeInfo    uint16 = 67
	TypeClusterInfo uint16 = 68
	TypeDb          uint16 = 69
	TypeStmt        uint16 = 70
	TypeResult      uint16 = 71
	TypeRows        uint16 = 72
	TypeAck         uint16 = 73
)

// Value tags used for SQL parameters and result columns.
const (
	TagInteger uint8 = 1
	TagFloat   uint8 = 2
	TagText    uint8 = 3
	TagBlob    uint8 = 4
	TagNull    uint8 = 5
	TagBoolean uint8 = 11
)

// NodeRole describes a node's role in the replication cluster.
type NodeRole uint8

const (
	RoleSpare   NodeRole = 0
	RoleVoter   NodeRole = 1
	RoleStandby NodeRole = 2
	RoleUnknown NodeRole = 255
)

func (r NodeRole) String() string {
	switch r {
	case RoleSpare:
		return "spare"
	case RoleVoter:
		return "voter"
	case RoleStandby:
		return "standby"
	}
	return "unknown"
}

// NodeInfo describes one cluster member as reported by a ClusterInfo response.
type NodeInfo struct {
	ID      uint64
	Address string
	Role    NodeRole
}
