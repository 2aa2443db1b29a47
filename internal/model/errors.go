package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, subscription, feed, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidEmail        = "INVALID_EMAIL"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeSubscriberStoreDown = "SUBSCRIBER_STORE_UNAVAILABLE"
	ErrCodeTokenNotFound       = "TOKEN_NOT_FOUND"
	ErrCodeMediaHostNotAllowed = "MEDIA_HOST_NOT_ALLOWED"
	ErrCodeUpstreamFetchFailed = "UPSTREAM_FETCH_FAILED"
	ErrCodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidEmailError は無効なメールアドレスエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "Invalid email address",
		Category: "validation",
		Action:   "name@example.com の形式でメールアドレスを入力してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewSubscriberStoreUnavailableError は購読者ストアが未設定または到達不能な場合のエラーを生成する。
func NewSubscriberStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeSubscriberStoreDown,
		Message:  "Subscription service is unavailable",
		Category: "subscription",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewTokenNotFoundError は確認・解除トークンが見つからない場合のエラーを生成する。
func NewTokenNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenNotFound,
		Message:  "Token not found or already used",
		Category: "subscription",
		Action:   "メールに記載されたリンクを確認してください。",
	}
}

// NewMediaHostNotAllowedError はプロキシ対象外のホストが指定された場合のエラーを生成する。
func NewMediaHostNotAllowedError(host string) *APIError {
	return &APIError{
		Code:     ErrCodeMediaHostNotAllowed,
		Message:  fmt.Sprintf("Media host is not allowed: %s", host),
		Category: "validation",
		Action:   "チャンネルのメディアURLのみ指定できます。",
	}
}

// NewUpstreamFetchFailedError はチャンネルページの取得失敗エラーを生成する。
func NewUpstreamFetchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFetchFailed,
		Message:  "Failed to load channel posts",
		Category: "feed",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewMethodNotAllowedError は許可されていないHTTPメソッドのエラーを生成する。
func NewMethodNotAllowedError(method string) *APIError {
	return &APIError{
		Code:     ErrCodeMethodNotAllowed,
		Message:  fmt.Sprintf("Method not allowed: %s", method),
		Category: "validation",
		Action:   "エンドポイントが受け付けるメソッドを確認してください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "Too many requests",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewMediaUnavailableError はプロキシ対象の画像を取得できない場合のエラーを生成する。
func NewMediaUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFetchFailed,
		Message:  "Failed to load media",
		Category: "feed",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
