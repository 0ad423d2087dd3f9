// Package kafka publishes pool control signals to a Kafka topic so that
// worker pools can pause without waiting for their next claim.
package kafka
