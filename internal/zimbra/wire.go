package zimbra

import "encoding/xml"

// Outbound envelope shapes. Prefixed element names are emitted literally;
// the namespace attributes are set by the caller.

type envelope struct {
	XMLName xml.Name    `xml:"soap:Envelope"`
	SoapNS  string      `xml:"xmlns:soap,attr"`
	Header  *soapHeader `xml:"soap:Header,omitempty"`
	Body    soapBody    `xml:"soap:Body"`
}

type soapHeader struct {
	Context headerContext `xml:"context"`
}

type headerContext struct {
	NS        string       `xml:"xmlns,attr"`
	AuthToken string       `xml:"authToken"`
	Account   *soapAccount `xml:"account,omitempty"`
}

type soapAccount struct {
	By   string `xml:"by,attr"`
	Name string `xml:",chardata"`
}

type soapBody struct {
	Payload interface{}
}

type authRequest struct {
	XMLName  xml.Name `xml:"urn:zimbraAdmin AuthRequest"`
	Name     string   `xml:"name"`
	Password string   `xml:"password"`
}

type delegateAuthRequest struct {
	XMLName xml.Name    `xml:"urn:zimbraAdmin DelegateAuthRequest"`
	Account soapAccount `xml:"account"`
}

type createTaskRequest struct {
	XMLName xml.Name `xml:"urn:zimbraMail CreateTaskRequest"`
	Msg     taskMsg  `xml:"m"`
}

type modifyTaskRequest struct {
	XMLName xml.Name `xml:"urn:zimbraMail ModifyTaskRequest"`
	ID      string   `xml:"id,attr"`
	Msg     taskMsg  `xml:"m"`
}

type cancelTaskRequest struct {
	XMLName xml.Name `xml:"urn:zimbraMail CancelTaskRequest"`
	ID      string   `xml:"id,attr"`
}

type getTaskRequest struct {
	XMLName xml.Name `xml:"urn:zimbraMail GetTaskRequest"`
	ID      string   `xml:"id,attr"`
}

type taskMsg struct {
	Inv taskInv `xml:"inv"`
}

type taskInv struct {
	Comp taskComp `xml:"comp"`
}

type taskComp struct {
	Name            string   `xml:"name,attr"`
	Priority        string   `xml:"priority,attr"`
	Status          string   `xml:"status,attr"`
	PercentComplete string   `xml:"percentComplete,attr"`
	Desc            string   `xml:"desc,omitempty"`
	End             *taskEnd `xml:"e,omitempty"`
}

type taskEnd struct {
	Date string `xml:"d,attr"`
}

// Inbound shapes. Decoding matches on local names only, so the server's
// namespace prefixes do not matter.

type soapResponse struct {
	Body struct {
		Fault        *soapFault        `xml:"Fault"`
		Auth         *authResponse     `xml:"AuthResponse"`
		DelegateAuth *authResponse     `xml:"DelegateAuthResponse"`
		CreateTask   *calItemResponse  `xml:"CreateTaskResponse"`
		ModifyTask   *calItemResponse  `xml:"ModifyTaskResponse"`
		CancelTask   *struct{}         `xml:"CancelTaskResponse"`
		GetTask      *getTaskResponse  `xml:"GetTaskResponse"`
	} `xml:"Body"`
}

type soapFault struct {
	Reason struct {
		Text string `xml:"Text"`
	} `xml:"Reason"`
	Detail struct {
		Error struct {
			Code string `xml:"Code"`
		} `xml:"Error"`
	} `xml:"Detail"`
}

type authResponse struct {
	Token    string `xml:"authToken"`
	Lifetime int64  `xml:"lifetime"`
}

type calItemResponse struct {
	CalItemID string `xml:"calItemId,attr"`
	InvID     string `xml:"invId,attr"`
	UID       string `xml:"uid,attr"`
}

type getTaskResponse struct {
	Task struct {
		ID  string `xml:"id,attr"`
		UID string `xml:"uid,attr"`
		Inv []struct {
			Comp []struct {
				UID             string   `xml:"uid,attr"`
				Name            string   `xml:"name,attr"`
				Status          string   `xml:"status,attr"`
				Priority        string   `xml:"priority,attr"`
				PercentComplete string   `xml:"percentComplete,attr"`
				Desc            string   `xml:"desc"`
				End             *taskEnd `xml:"e"`
			} `xml:"comp"`
		} `xml:"inv"`
	} `xml:"task"`
}

func compEndDate(e *taskEnd) string {
	if e == nil {
		return ""
	}
	return e.Date
}

// JSON listing endpoint shapes.

type restTaskList struct {
	Tasks []restTask `json:"task"`
}

type restTask struct {
	ID  string        `json:"id"`
	Inv []restTaskInv `json:"inv"`
}

type restTaskInv struct {
	Comp []restTaskComp `json:"comp"`
}

type restTaskComp struct {
	UID             string           `json:"uid"`
	Name            string           `json:"name"`
	Status          string           `json:"status"`
	Priority        string           `json:"priority"`
	PercentComplete string           `json:"percentComplete"`
	Desc            []restContent    `json:"desc"`
	End             []restTaskEnd    `json:"e"`
}

type restContent struct {
	Content string `json:"_content"`
}

type restTaskEnd struct {
	Date string `json:"d"`
}

func restDesc(desc []restContent) string {
	if len(desc) == 0 {
		return ""
	}
	return desc[0].Content
}

func restEndDate(ends []restTaskEnd) string {
	if len(ends) == 0 {
		return ""
	}
	return ends[0].Date
}
