package protocol

import "fmt"

// Redis key naming for the inbound queue, processing lease, and
// fan-out channels.
const (
	queueKeyFormat           = "document_operations_%s"
	leaseKeyFormat           = "document_processing_%s"
	documentChannelKeyFormat = "document_channel_%s"
)

// QueueKey is the inbound FIFO list key for a document.
func QueueKey(documentID string) string { return fmt.Sprintf(queueKeyFormat, documentID) }

// LeaseKey is the processing-lease string key for a document.
func LeaseKey(documentID string) string { return fmt.Sprintf(leaseKeyFormat, documentID) }

// DocumentChannelKey is the single channel per document the fan-out
// uses, carrying origin-stamped payloads.
func DocumentChannelKey(documentID string) string {
	return fmt.Sprintf(documentChannelKeyFormat, documentID)
}

// TaskName is the serializer job name.
const TaskName = "transform_document"
