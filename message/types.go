package message

import (
	"fmt"
	"strings"

	"github.com/c360/semstreams-ros/errors"
)

// Type identifies a ROS interface type such as tf2_msgs/msg/TFMessage.
//
// The same type appears in two spellings: the ROS name used in configuration and
// the DDS name carried in keys and liveliness tokens:
//
//	Type{Package: "tf2_msgs", Kind: "msg", Name: "TFMessage"}.String()  -> "tf2_msgs/msg/TFMessage"
//	Type{Package: "tf2_msgs", Kind: "msg", Name: "TFMessage"}.DDSName() -> "tf2_msgs::msg::dds_::TFMessage_"
type Type struct {
	// Package is the ROS package, e.g. "sensor_msgs"
	Package string
	// Kind is "msg", "srv" or "action"
	Kind string
	// Name is the interface name, e.g. "PointCloud2"
	Name string
}

// String returns the ROS name "package/kind/Name".
func (t Type) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Package, t.Kind, t.Name)
}

// DDSName returns the mangled DDS type name "package::kind::dds_::Name_".
func (t Type) DDSName() string {
	return fmt.Sprintf("%s::%s::dds_::%s_", t.Package, t.Kind, t.Name)
}

// IsValid checks that every field is populated.
func (t Type) IsValid() bool {
	return t.Package != "" && t.Kind != "" && t.Name != ""
}

// Equal compares two types field by field.
func (t Type) Equal(other Type) bool {
	return t.Package == other.Package && t.Kind == other.Kind && t.Name == other.Name
}

// ParseType accepts either spelling of a type name.
func ParseType(s string) (Type, error) {
	if strings.Contains(s, "::") {
		parts := strings.Split(s, "::")
		if len(parts) != 4 || parts[2] != "dds_" || !strings.HasSuffix(parts[3], "_") {
			return Type{}, errors.WrapInvalid(errors.ErrUnknownType, "Type", "ParseType", "DDS name "+s+" parsing")
		}
		t := Type{Package: parts[0], Kind: parts[1], Name: strings.TrimSuffix(parts[3], "_")}
		if !t.IsValid() {
			return Type{}, errors.WrapInvalid(errors.ErrUnknownType, "Type", "ParseType", "DDS name "+s+" parsing")
		}
		return t, nil
	}

	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Type{}, errors.WrapInvalid(errors.ErrUnknownType, "Type", "ParseType", "ROS name "+s+" parsing")
	}
	t := Type{Package: parts[0], Kind: parts[1], Name: parts[2]}
	if !t.IsValid() {
		return Type{}, errors.WrapInvalid(errors.ErrUnknownType, "Type", "ParseType", "ROS name "+s+" parsing")
	}
	return t, nil
}
