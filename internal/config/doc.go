// Package config loads the assetgrid configuration file.
//
// The file is HCL. An `env` object exposes the process environment to
// expressions, so credentials never have to be written down:
//
//	build {
//	  content = "./content"
//	  workers = 8
//	}
//
//	agent "gpu-01" {
//	  host  = "10.0.0.5"
//	  port  = 7070
//	}
//
//	cache {
//	  address = "cache.internal:11211"
//	}
//
//	artifacts {
//	  s3 {
//	    endpoint   = "minio:9000"
//	    bucket     = "assets"
//	    access_key = env.AWS_ACCESS_KEY_ID
//	    secret_key = env.AWS_SECRET_ACCESS_KEY
//	  }
//	}
package config
