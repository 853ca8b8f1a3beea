package api

type okResponse struct {
	Status string `json:"status"`
}

type versionsResponse struct {
	Versions []int `json:"versions"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
