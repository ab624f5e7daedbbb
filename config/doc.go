// Package config loads the YAML configuration of the transform tool and
// sets up logging.
//
// A configuration file overrides the defaults returned by Default; any key
// left out keeps its default value. Example:
//
//	logging:
//	  level: debug
//	  format: json
//	muxer:
//	  max_write_ahead: 1s
//	  max_delay_between_samples_ms: 20000
//	encoder:
//	  vendor: acme
//	  tuning:
//	    acme:
//	      max_pending_frames: 2
//	      bitrate_multiplier: 1.5
//	request:
//	  output_height: 480
//	effects:
//	  - type: brightness
//	    value: 10
//	  - type: grayscale
package config
