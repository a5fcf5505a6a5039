package kprod

import (
	"github.com/twmb/franz-go/pkg/kmsg"
)

// buildProduceRequest groups one node's drained batches into a single
// Produce request (spec §4.2/§6.3), wrapping each batch's record bytes
// in a single outer compressed Message when a codec is configured.
func buildProduceRequest(acks int16, timeoutMs int32, codec Codec, batches map[topicPartition]*batch) (*kmsg.ProduceRequest, error) {
	byTopic := make(map[string][]topicPartition)
	for tp := range batches {
		byTopic[tp.topic] = append(byTopic[tp.topic], tp)
	}

	req := kmsg.NewPtrProduceRequest()
	req.Acks = acks
	req.TimeoutMillis = timeoutMs
	req.Topics = make([]kmsg.ProduceRequestTopic, 0, len(byTopic))

	for topic, tps := range byTopic {
		rt := kmsg.NewProduceRequestTopic()
		rt.Topic = topic
		rt.Partitions = make([]kmsg.ProduceRequestTopicPartition, 0, len(tps))
		for _, tp := range tps {
			b := batches[tp]
			wire, err := wrapCompressed(codec, b.recordBytes())
			if err != nil {
				return nil, err
			}
			rp := kmsg.NewProduceRequestTopicPartition()
			rp.Partition = tp.partition
			rp.Records = wire
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}
	return req, nil
}
