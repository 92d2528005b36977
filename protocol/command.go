package protocol

import "github.com/pkg/errors"

// BuildAdd constructs the payload for command 1 (spec §6): [1, new_id, hop_id...].
func BuildAdd(newID byte, chain []byte) []byte {
	payload := make([]byte, 0, 2+len(chain))
	payload = append(payload, CmdAdd, newID)
	payload = append(payload, chain...)
	return payload
}

// ParseAdd decodes a command-1 payload.
func ParseAdd(payload []byte) (newID byte, chain []byte, err error) {
	if len(payload) < 2 || payload[0] != CmdAdd {
		return 0, nil, errors.New("not an add payload")
	}
	return payload[1], append([]byte(nil), payload[2:]...), nil
}

// BuildRemove constructs the payload for command 2: [2, id].
func BuildRemove(id byte) []byte {
	return []byte{CmdRemove, id}
}

// ParseRemove decodes a command-2 payload.
func ParseRemove(payload []byte) (id byte, err error) {
	if len(payload) < 2 || payload[0] != CmdRemove {
		return 0, errors.New("not a remove payload")
	}
	return payload[1], nil
}

// BuildPut constructs the payload for command 6:
// [6, name_len, name_bytes, dtype_code, value_bytes].
func BuildPut(name string, dt Datatype, valueBytes []byte) ([]byte, error) {
	if len(name) > 255 {
		return nil, errors.New("store name exceeds 255 bytes")
	}
	payload := make([]byte, 0, 3+len(name)+len(valueBytes))
	payload = append(payload, CmdPut, byte(len(name)))
	payload = append(payload, name...)
	payload = append(payload, dt.Wire)
	payload = append(payload, valueBytes...)
	return payload, nil
}

// ParsePut decodes a command-6 payload.
func ParsePut(payload []byte) (name string, dt Datatype, valueBytes []byte, err error) {
	if len(payload) < 2 || payload[0] != CmdPut {
		return "", Datatype{}, nil, errors.New("not a put payload")
	}
	nameLen := int(payload[1])
	if len(payload) < 2+nameLen+1 {
		return "", Datatype{}, nil, errors.New("short put payload")
	}
	name = string(payload[2 : 2+nameLen])
	dt, err = DatatypeFromWire(payload[2+nameLen])
	if err != nil {
		return "", Datatype{}, nil, err
	}
	valueBytes = payload[2+nameLen+1:]
	return name, dt, valueBytes, nil
}

// BuildGet constructs the payload for command 7: [7, name_len, name_bytes].
func BuildGet(name string) ([]byte, error) {
	if len(name) > 255 {
		return nil, errors.New("store name exceeds 255 bytes")
	}
	payload := make([]byte, 0, 2+len(name))
	payload = append(payload, CmdGet, byte(len(name)))
	payload = append(payload, name...)
	return payload, nil
}

// ParseGet decodes a command-7 payload.
func ParseGet(payload []byte) (name string, err error) {
	if len(payload) < 2 || payload[0] != CmdGet {
		return "", errors.New("not a get payload")
	}
	nameLen := int(payload[1])
	if len(payload) < 2+nameLen {
		return "", errors.New("short get payload")
	}
	return string(payload[2 : 2+nameLen]), nil
}

// BuildAck constructs a plain ack/nack payload: [0, status, seq_lo, seq_hi].
func BuildAck(success bool, seq uint16) []byte {
	status := byte(AckFailure)
	if success {
		status = AckSuccess
	}
	return []byte{CmdAck, status, byte(seq), byte(seq >> 8)}
}

// BuildGetResponse constructs the value-carrying ack that answers a get
// request: [0, 255, seq_lo, seq_hi, dtype_code, value_bytes].
func BuildGetResponse(seq uint16, dt Datatype, valueBytes []byte) []byte {
	payload := make([]byte, 0, 5+len(valueBytes))
	payload = append(payload, CmdAck, AckSuccess, byte(seq), byte(seq>>8), dt.Wire)
	payload = append(payload, valueBytes...)
	return payload
}

// ParseAck decodes a command-0 payload. hasValue reports whether the
// payload carries a get-response value beyond the 4-byte ack header.
func ParseAck(payload []byte) (success bool, seq uint16, dt Datatype, valueBytes []byte, hasValue bool, err error) {
	if len(payload) < 4 || payload[0] != CmdAck {
		return false, 0, Datatype{}, nil, false, errors.New("not an ack payload")
	}
	success = payload[1] == AckSuccess
	seq = uint16(payload[2]) | uint16(payload[3])<<8
	if len(payload) > 4 {
		if len(payload) < 5 {
			return false, 0, Datatype{}, nil, false, errors.New("short get-response ack payload")
		}
		dt, err = DatatypeFromWire(payload[4])
		if err != nil {
			return false, 0, Datatype{}, nil, false, err
		}
		valueBytes = payload[5:]
		hasValue = true
	}
	return success, seq, dt, valueBytes, hasValue, nil
}
