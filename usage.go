// # Usage
//
//	usage: dokistry serve [-addr localhost:8300] [-metricsaddr localhost:8301]
//	       dokistry describe >dokistry.conf
//	       dokistry testconfig
//	       dokistry user add username
//	       dokistry user delete username
//	       dokistry user list
//	       dokistry repos
//	       dokistry tags repository
//	       dokistry delete repository tag ...
//	       dokistry version
//	  -config string
//	    	path to configuration file (default "dokistry.conf")
//	  -debug
//	    	enable debug logging, e.g. printing registry requests and responses
package main
