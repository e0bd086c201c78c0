package types

// Server -> Client events.
//
// room-created:           { roomId, room, members, permission }
// room-joined:            { room, members, permission }
// drawing:                element[]          (also sent after admission)
// canvas-data:            element[]
// clear-canvas:           null
// chat-history:           chatMessage[]      (newest 50, oldest first)
// chat-message:           { displayName, message, timestamp }
// user-typing:            { displayName, isTyping }
// join-request:           { request, roomId }   (to the room leader)
// join-request-pending:   { message, roomId }
// join-request-approved:  { room, members, permission }
// join-request-rejected:  { message, roomId }
// join-request-responded: { requestId, approved, displayName }
// user-joined:            { user, members }
// user-left:              { userId, members }
// room-not-found:         { message }
// error:                  { message }
//
// room is a snapshot { roomId, roomType, creatorId, createdAt, members, joinRequests,
// chatMessageCount, hasCanvasData, revision }.
const (
	EventRoomCreated          = "room-created"
	EventRoomJoined           = "room-joined"
	EventCanvasData           = "canvas-data"
	EventChatHistory          = "chat-history"
	EventJoinRequest          = "join-request"
	EventJoinRequestPending   = "join-request-pending"
	EventJoinRequestApproved  = "join-request-approved"
	EventJoinRequestRejected  = "join-request-rejected"
	EventJoinRequestResponded = "join-request-responded"
	EventUserJoined           = "user-joined"
	EventUserLeft             = "user-left"
	EventRoomNotFound         = "room-not-found"
	EventError                = "error"
)
