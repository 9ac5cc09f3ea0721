package ordersdb

import (
	"encoding/json"
	"fmt"

	"trellis/internal/orders"
)

func marshalAddress(address orders.Address) (string, error) {
	raw, err := json.Marshal(address)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return string(raw), nil
}

func unmarshalAddress(raw []byte) (orders.Address, error) {
	address := orders.Address{}
	if len(raw) == 0 {
		return address, nil
	}
	if err := json.Unmarshal(raw, &address); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	return address, nil
}
