package server

import (
	"encoding/json"
	"log"
	"time"
)

// Inbound message types.
const (
	msgAuth               = "AUTH"
	msgCreateStorageCall  = "CREATE_STORAGE_CALL"
	msgCreateDeliveryCall = "CREATE_DELIVERY_CALL"
	msgNewCall            = "NEW_CALL"
	msgAcceptCall         = "ACCEPT_CALL"
	msgCancelCall         = "CANCEL_CALL"
)

// Outbound message types.
const (
	msgConnected         = "CONNECTED"
	msgAuthSuccess       = "AUTH_SUCCESS"
	msgCallCreated       = "CALL_CREATED"
	msgCallAcceptSuccess = "CALL_ACCEPT_SUCCESS"
	msgCallAccepted      = "CALL_ACCEPTED"
	msgCallCancelled     = "CALL_CANCELLED"
	msgError             = "ERROR"
)

// Fallbacks applied when a create request omits a field, matching the
// client's expectations for list rendering.
const (
	defaultItemType      = "suitcase"
	defaultCustomerName  = "customer"
	defaultCustomerPhone = "010-0000-0000"
	defaultDistance      = "5km"
	defaultUrgency       = "normal"
	defaultStoragePrice  = 5000
	defaultDeliveryPrice = 10000
)

// clientFrame is the inbound envelope. Only Type is always present; the
// remaining fields are read per message type.
type clientFrame struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Call     json.RawMessage `json:"call,omitempty"`
	CallID   int64           `json:"callId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	UserType string          `json:"userType,omitempty"`
}

// serverFrame is the outbound envelope: a flat {type, ...} object with one
// JSON frame per logical event.
type serverFrame struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	CallID   int64  `json:"callId,omitempty"`
	UserType string `json:"userType,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type storageCallRequest struct {
	CustomerName  string `json:"customerName"`
	CustomerPhone string `json:"customerPhone"`
	ItemType      string `json:"itemType"`
	ItemCount     int    `json:"itemCount"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	Address       string `json:"address"`
	Memo          string `json:"memo"`
	Price         int64  `json:"price"`
}

type storageCall struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	CustomerName   string `json:"customerName"`
	CustomerPhone  string `json:"customerPhone"`
	ItemType       string `json:"itemType"`
	ItemCount      int    `json:"itemCount"`
	StartTime      string `json:"startTime,omitempty"`
	EndTime        string `json:"endTime,omitempty"`
	Address        string `json:"address,omitempty"`
	Memo           string `json:"memo,omitempty"`
	RequestTime    string `json:"requestTime"`
	EstimatedPrice int64  `json:"estimatedPrice"`
	Status         string `json:"status"`
}

type deliveryCallRequest struct {
	StartLocation      string `json:"startLocation"`
	StartAddress       string `json:"startAddress"`
	EndLocation        string `json:"endLocation"`
	EndAddress         string `json:"endAddress"`
	Distance           string `json:"distance"`
	ItemType           string `json:"itemType"`
	ItemCount          int    `json:"itemCount"`
	DesiredArrivalTime string `json:"desiredArrivalTime"`
	Memo               string `json:"memo"`
	Urgency            string `json:"urgency"`
	Price              int64  `json:"price"`
}

type deliveryCall struct {
	ID                 int64  `json:"id"`
	StartLocation      string `json:"startLocation"`
	StartAddress       string `json:"startAddress,omitempty"`
	EndLocation        string `json:"endLocation"`
	EndAddress         string `json:"endAddress,omitempty"`
	Distance           string `json:"distance"`
	EstimatedPrice     int64  `json:"estimatedPrice"`
	ItemType           string `json:"itemType"`
	ItemCount          int    `json:"itemCount"`
	RequestTime        string `json:"requestTime"`
	DesiredArrivalTime string `json:"desiredArrivalTime,omitempty"`
	Memo               string `json:"memo,omitempty"`
	Urgency            string `json:"urgency"`
	Status             string `json:"status"`
}

type acceptedCallInfo struct {
	CallID         int64  `json:"callId"`
	AcceptedBy     string `json:"acceptedBy"`
	AcceptedByType string `json:"acceptedByType"`
}

// relayState owns all shared mutable relay state. Each server instance holds
// exactly one, injected into every connection handler.
type relayState struct {
	registry *connRegistry
	calls    *callStore
}

func newRelayState() *relayState {
	return &relayState{
		registry: newConnRegistry(),
		calls:    newCallStore(),
	}
}

func dispatchFrame(state *relayState, session *wsSession, frame clientFrame) {
	switch frame.Type {
	case msgAuth:
		handleAuth(state, session, frame)
	case msgCreateStorageCall:
		handleCreateStorageCall(state, session, frame)
	case msgCreateDeliveryCall:
		handleCreateDeliveryCall(state, session, frame)
	case msgNewCall:
		handleRelayCall(state, session, frame)
	case msgAcceptCall:
		handleAcceptCall(state, session, frame)
	case msgCancelCall:
		handleCancelCall(state, session, frame)
	default:
		_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "unknown message type"})
	}
}

func handleAuth(state *relayState, session *wsSession, frame clientFrame) {
	if frame.UserID == "" {
		_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "userId is required"})
		return
	}
	if !validRole(frame.UserType) {
		_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "unknown user type"})
		return
	}

	session.setIdentity(frame.UserID, frame.UserType)
	state.registry.bind(session.peer, frame.UserID, frame.UserType)
	log.Printf("relay: authenticated %s (%s)", frame.UserID, frame.UserType)

	_ = session.peer.writeFrame(serverFrame{Type: msgAuthSuccess, Message: "authenticated"})
}

func handleCreateStorageCall(state *relayState, session *wsSession, frame clientFrame) {
	var request storageCallRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &request); err != nil {
			_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "invalid call payload"})
			return
		}
	}
	if request.CustomerName == "" {
		request.CustomerName = defaultCustomerName
	}
	if request.CustomerPhone == "" {
		request.CustomerPhone = defaultCustomerPhone
	}
	if request.ItemType == "" {
		request.ItemType = defaultItemType
	}
	if request.ItemCount <= 0 {
		request.ItemCount = 1
	}
	if request.Price <= 0 {
		request.Price = defaultStoragePrice
	}

	record := state.calls.create(callKindStorage, func(id int64) any {
		return storageCall{
			ID:             id,
			Type:           string(callKindStorage),
			CustomerName:   request.CustomerName,
			CustomerPhone:  request.CustomerPhone,
			ItemType:       request.ItemType,
			ItemCount:      request.ItemCount,
			StartTime:      request.StartTime,
			EndTime:        request.EndTime,
			Address:        request.Address,
			Memo:           request.Memo,
			RequestTime:    time.Now().UTC().Format(time.RFC3339),
			EstimatedPrice: request.Price,
			Status:         string(callStatusPending),
		}
	})
	log.Printf("relay: storage call #%d created, notifying %d partners", record.ID, state.registry.roleCount(rolePartner))

	state.registry.broadcast(rolePartner, serverFrame{Type: msgNewCall, Data: record.Payload}, nil)
	_ = session.peer.writeFrame(serverFrame{
		Type:    msgCallCreated,
		CallID:  record.ID,
		Message: "storage request sent",
	})
}

func handleCreateDeliveryCall(state *relayState, session *wsSession, frame clientFrame) {
	var request deliveryCallRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &request); err != nil {
			_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "invalid call payload"})
			return
		}
	}
	if request.StartLocation == "" {
		request.StartLocation = "origin"
	}
	if request.EndLocation == "" {
		request.EndLocation = "destination"
	}
	if request.Distance == "" {
		request.Distance = defaultDistance
	}
	if request.ItemType == "" {
		request.ItemType = defaultItemType
	}
	if request.ItemCount <= 0 {
		request.ItemCount = 1
	}
	if request.Urgency == "" {
		request.Urgency = defaultUrgency
	}
	if request.Price <= 0 {
		request.Price = defaultDeliveryPrice
	}

	record := state.calls.create(callKindDelivery, func(id int64) any {
		return deliveryCall{
			ID:                 id,
			StartLocation:      request.StartLocation,
			StartAddress:       request.StartAddress,
			EndLocation:        request.EndLocation,
			EndAddress:         request.EndAddress,
			Distance:           request.Distance,
			EstimatedPrice:     request.Price,
			ItemType:           request.ItemType,
			ItemCount:          request.ItemCount,
			RequestTime:        time.Now().UTC().Format(time.RFC3339),
			DesiredArrivalTime: request.DesiredArrivalTime,
			Memo:               request.Memo,
			Urgency:            request.Urgency,
			Status:             string(callStatusPending),
		}
	})
	log.Printf("relay: delivery call #%d created, notifying %d drivers", record.ID, state.registry.roleCount(roleDriver))

	state.registry.broadcast(roleDriver, serverFrame{Type: msgNewCall, Data: record.Payload}, nil)
	_ = session.peer.writeFrame(serverFrame{
		Type:    msgCallCreated,
		CallID:  record.ID,
		Message: "delivery request sent",
	})
}

// handleRelayCall forwards a pre-built call payload to a target role. The
// server always assigns the canonical id; any id the client put inside the
// payload is overwritten before storage and broadcast.
func handleRelayCall(state *relayState, session *wsSession, frame clientFrame) {
	if !validRole(frame.UserType) {
		_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "unknown user type"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(frame.Call, &payload); err != nil || payload == nil {
		_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "invalid call payload"})
		return
	}

	record := state.calls.create(callKindRelayed, func(id int64) any {
		payload["id"] = id
		if _, ok := payload["status"]; !ok {
			payload["status"] = string(callStatusPending)
		}
		return payload
	})
	log.Printf("relay: call #%d relayed to %d %s clients", record.ID, state.registry.roleCount(frame.UserType), frame.UserType)

	state.registry.broadcast(frame.UserType, serverFrame{Type: msgNewCall, Data: record.Payload}, nil)
	_ = session.peer.writeFrame(serverFrame{
		Type:    msgCallCreated,
		CallID:  record.ID,
		Message: "call relayed",
	})
}

func handleAcceptCall(state *relayState, session *wsSession, frame clientFrame) {
	if !validRole(frame.UserType) {
		_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: "unknown user type"})
		return
	}

	userID, _ := session.identity()
	record, err := state.calls.markAccepted(frame.CallID, userID, frame.UserType)
	if err != nil {
		_ = session.peer.writeFrame(serverFrame{Type: msgError, Message: err.Error()})
		return
	}
	log.Printf("relay: call #%d accepted by %s (%s)", record.ID, userID, frame.UserType)

	_ = session.peer.writeFrame(serverFrame{
		Type:    msgCallAcceptSuccess,
		CallID:  record.ID,
		Message: "call accepted",
	})
	state.registry.broadcastAll(serverFrame{
		Type:     msgCallAccepted,
		CallID:   record.ID,
		UserType: frame.UserType,
		Data: acceptedCallInfo{
			CallID:         record.ID,
			AcceptedBy:     record.AcceptedBy,
			AcceptedByType: record.AcceptedByType,
		},
	}, session.peer)
}

func handleCancelCall(state *relayState, session *wsSession, frame clientFrame) {
	if !state.calls.remove(frame.CallID) {
		return
	}
	log.Printf("relay: call #%d cancelled", frame.CallID)

	state.registry.broadcastRoles(
		[]string{rolePartner, roleDriver},
		serverFrame{Type: msgCallCancelled, CallID: frame.CallID},
		nil,
	)
}
