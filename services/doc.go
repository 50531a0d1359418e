// Package services groups the parking saga steps. Each subpackage binds its
// handlers onto a servicebus.Worker with Register.
package services
