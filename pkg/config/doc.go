// Package config loads inframate configuration.
//
// A configuration file is YAML, JSON or CUE, chosen by extension. CUE files
// are unified with a closed schema before decoding, so type and enum errors
// are reported with file positions. Every format is then checked with
// validator struct tags.
//
//	repo_path: ./infra
//	autonomous: true
//	recovery:
//	  max_retries: 3
//	  base_delay: 10s
//	  strategies:
//	    network: ./strategies/network.star
//	advisor:
//	  backend: gemini
//	steps:
//	  secure:
//	    command: terraform validate -no-color
//
// Fields a file leaves out keep their Defaults() values.
package config
