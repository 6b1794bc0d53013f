package zcl

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessReport uint8 = 0x04
)

// AttributeDef defines a ZCL attribute. ManufacturerCode is non-zero for
// vendor attributes, which must be addressed with a manufacturer-specific frame.
type AttributeDef struct {
	ID               uint16 `json:"id"`
	Name             string `json:"name"`
	Type             uint8  `json:"type"`
	Access           uint8  `json:"access"` // bitmask: 1=read, 2=write, 4=reportable
	ManufacturerCode uint16 `json:"manufacturerCode,omitempty"`
}

func (a *AttributeDef) IsReadable() bool   { return a.Access&AccessRead != 0 }
func (a *AttributeDef) IsWritable() bool   { return a.Access&AccessWrite != 0 }
func (a *AttributeDef) IsReportable() bool { return a.Access&AccessReport != 0 }

// CommandDirection indicates the direction of a cluster command.
type CommandDirection string

const (
	DirectionToServer CommandDirection = "toServer"
	DirectionToClient CommandDirection = "toClient"
)

// CommandDef defines a cluster-specific command.
type CommandDef struct {
	ID        uint8            `json:"id"`
	Name      string           `json:"name"`
	Direction CommandDirection `json:"direction"`
}

// ClusterDef defines a ZCL cluster with its attributes and commands.
type ClusterDef struct {
	ID               uint16         `json:"id"`
	Name             string         `json:"name"`
	ManufacturerCode uint16         `json:"manufacturerCode,omitempty"`
	Attributes       []AttributeDef `json:"attributes,omitempty"`
	Commands         []CommandDef   `json:"commands,omitempty"`
}

// FindAttribute looks up an attribute by ID.
func (c *ClusterDef) FindAttribute(id uint16) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id {
			return &c.Attributes[i]
		}
	}
	return nil
}

// AttributeByName looks up an attribute by its registered name.
func (c *ClusterDef) AttributeByName(name string) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].Name == name {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindCommand looks up a command by ID and direction.
func (c *ClusterDef) FindCommand(id uint8, dir CommandDirection) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].ID == id && c.Commands[i].Direction == dir {
			return &c.Commands[i]
		}
	}
	return nil
}

// DeepCopy returns a deep copy of the cluster definition.
func (c *ClusterDef) DeepCopy() *ClusterDef {
	cp := *c
	cp.Attributes = append([]AttributeDef(nil), c.Attributes...)
	cp.Commands = append([]CommandDef(nil), c.Commands...)
	return &cp
}

// Merge adds attributes and commands that c does not define yet.
func (c *ClusterDef) Merge(other *ClusterDef) {
	if c.ManufacturerCode == 0 {
		c.ManufacturerCode = other.ManufacturerCode
	}
	for _, attr := range other.Attributes {
		if c.FindAttribute(attr.ID) == nil {
			c.Attributes = append(c.Attributes, attr)
		}
	}
	for _, cmd := range other.Commands {
		if c.FindCommand(cmd.ID, cmd.Direction) == nil {
			c.Commands = append(c.Commands, cmd)
		}
	}
}
