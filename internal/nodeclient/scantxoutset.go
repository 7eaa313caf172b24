package nodeclient

import "encoding/json"

func scanTxOutSetParams(descriptors []string) []json.RawMessage {
	action, _ := json.Marshal("start")
	descs, _ := json.Marshal(descriptors)
	return []json.RawMessage{action, descs}
}

func unmarshalRaw(raw json.RawMessage, out interface{}) error {
	return json.Unmarshal(raw, out)
}
