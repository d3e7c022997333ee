package raftrpc

import "encoding/json"

// JSONSerializer is the default Serializer implementation, used by tests and
// the example wiring. Content-Format 50 is the standard CoAP registration for
// application/json (spec §6).
type JSONSerializer struct{}

func (JSONSerializer) ContentFormat() uint16 { return 50 }

func (JSONSerializer) EncodeRequestVoteRequest(r *RequestVoteRequest) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONSerializer) DecodeRequestVoteRequest(b []byte) (*RequestVoteRequest, error) {
	var r RequestVoteRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (JSONSerializer) EncodeRequestVoteResponse(r *RequestVoteResponse) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONSerializer) DecodeRequestVoteResponse(b []byte) (*RequestVoteResponse, error) {
	var r RequestVoteResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (JSONSerializer) EncodeAppendEntriesRequest(r *AppendEntriesRequest) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONSerializer) DecodeAppendEntriesRequest(b []byte) (*AppendEntriesRequest, error) {
	var r AppendEntriesRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (JSONSerializer) EncodeAppendEntriesResponse(r *AppendEntriesResponse) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONSerializer) DecodeAppendEntriesResponse(b []byte) (*AppendEntriesResponse, error) {
	var r AppendEntriesResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (JSONSerializer) EncodeInstallSnapshotRequest(r *InstallSnapshotRequest) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONSerializer) DecodeInstallSnapshotRequest(b []byte) (*InstallSnapshotRequest, error) {
	var r InstallSnapshotRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (JSONSerializer) EncodeInstallSnapshotResponse(r *InstallSnapshotResponse) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONSerializer) DecodeInstallSnapshotResponse(b []byte) (*InstallSnapshotResponse, error) {
	var r InstallSnapshotResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
