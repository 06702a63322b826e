// Package message defines the typed ROS messages carried by the bridge and the codecs
// that move them to and from CDR payloads.
//
// # Codecs
//
// A Codec[T] is a stateless value that knows one ROS type, its RIHS01 hash and the
// exact field order of its wire layout:
//
//	tf, err := message.Unmarshal[message.TFMessage](message.TFMessageCodec{}, payload)
//	if err != nil {
//	    var de *errors.DecodeError
//	    if errors.As(err, &de) {
//	        logger.Warn("dropping sample", "field", de.Field)
//	    }
//	}
//
// Decode failures are reported as *errors.DecodeError naming the dotted path of the
// field that could not be read, for example "transforms[0].child_frame_id".
//
// # Registry
//
// Registry maps ROS type names such as "tf2_msgs/msg/TFMessage" (or their DDS
// spelling "tf2_msgs::msg::dds_::TFMessage_") to type-erased descriptors so that
// configuration can name topic types as strings.
package message
