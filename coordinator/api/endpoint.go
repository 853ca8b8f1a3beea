package api

import (
	"context"

	"github.com/go-kit/kit/endpoint"

	"github.com/quantumfed/quantumfed/coordinator"
)

func makeStartRoundEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(startRoundReq)

		return svc.StartRound(ctx, req.Spec)
	}
}

func makeRoundStatusEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundReq)

		return svc.RoundStatus(ctx, req.RoundID)
	}
}

func makeListRoundsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listReq)

		return svc.ListRounds(ctx, req.Offset, req.Limit)
	}
}

func makeSubmitUpdateEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(submitUpdateReq)
		if err := svc.SubmitUpdate(ctx, req.Envelope); err != nil {
			return nil, err
		}

		return okResponse{Status: "accepted"}, nil
	}
}

func makeSubmitUpdateCBOREndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(submitUpdateCBORReq)
		if err := svc.SubmitUpdateCBOR(ctx, req.Data); err != nil {
			return nil, err
		}

		return okResponse{Status: "accepted"}, nil
	}
}

func makeGetSnapshotEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(snapshotReq)
		if req.Latest {
			return svc.LatestSnapshot(ctx)
		}

		return svc.GetSnapshot(ctx, req.Version)
	}
}

func makeListSnapshotsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		versions, err := svc.ListSnapshotVersions(ctx)
		if err != nil {
			return nil, err
		}

		return versionsResponse{Versions: versions}, nil
	}
}

func makeRegisterParticipantEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(registerParticipantReq)

		return svc.RegisterParticipant(ctx, req.ID, req.Name)
	}
}

func makeListParticipantsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(listReq)

		return svc.ListParticipants(ctx, req.Offset, req.Limit)
	}
}
