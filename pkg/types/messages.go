package types

// Client -> Server events. Every frame is {"event": <name>, "data": <payload>}.
//
// create-room:
//   roomId: string (6 chars, A-Z0-9)
//   displayName: string
//   roomType: "public" | "private"
//
// join-room:
//   roomId: string
//   displayName: string
//
// respond-join-request (room leader only):
//   requestId: string
//   approved: boolean
//   roomId: string
//
// drawing: element[]           // full canvas snapshot, live sync
// canvas-update:
//   canvasData: element[]      // full canvas snapshot, persisted
// clear-canvas: {}
//
// chat-message:
//   displayName: string
//   message: string
//   timestamp?: string
//
// user-typing:
//   displayName: string
//   isTyping: boolean
//
// leave-room:
//   roomId: string
//   displayName: string
const (
	EventCreateRoom         = "create-room"
	EventJoinRoom           = "join-room"
	EventRespondJoinRequest = "respond-join-request"
	EventDrawing            = "drawing"
	EventCanvasUpdate       = "canvas-update"
	EventClearCanvas        = "clear-canvas"
	EventChatMessage        = "chat-message"
	EventUserTyping         = "user-typing"
	EventLeaveRoom          = "leave-room"
)
