package stream

// User-facing copy for terminal assistant messages.
const (
	msgEmpty      = "메시지를 입력해주세요."
	msgTooShort   = "통증에 대해 조금 더 자세히 설명해 주세요 (최소 10자 이상)"
	msgTransport  = "죄송합니다, 응답을 생성하는 중 오류가 발생했습니다. 다시 시도해주세요."
	msgTimeout    = "네트워크 연결을 확인해주세요."
	msgServer     = "서버 연결에 문제가 있습니다. 잠시 후 다시 시도해주세요."
	msgBadRequest = "요청을 처리할 수 없습니다. 입력 내용을 확인해주세요."
	msgNoSession  = "세션 정보를 찾을 수 없습니다. 페이지를 새로고침 해주세요."
	msgNoResponse = "응답을 받지 못했습니다."
)
