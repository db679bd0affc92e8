// internal/websocket/utils.go
package websocket

import "encoding/json"

// decodeData re-marshals an already decoded message payload into T.
func decodeData[T any](data interface{}) (T, error) {
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
