package model

// BasicResponse is the JSON envelope every endpoint answers with.
type BasicResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Success wraps data with a success flag.
func Success(msg string, data any) BasicResponse {
	return BasicResponse{
		Success: true,
		Message: msg,
		Data:    data,
	}
}

// Error returns a failed BasicResponse.
func Error(msg string) BasicResponse {
	return BasicResponse{
		Success: false,
		Error:   msg,
	}
}
